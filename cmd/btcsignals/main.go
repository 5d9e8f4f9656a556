package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/skalibog/btcsignals/internal/app"
	"github.com/skalibog/btcsignals/internal/config"
	"github.com/skalibog/btcsignals/internal/notify"
	"github.com/skalibog/btcsignals/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	logger.Init(logger.Options{Console: true})
	defer logger.Sync()

	// Обработка флагов командной строки
	configPath := flag.String("config", "config.yaml", "путь к файлу конфигурации")
	mode := flag.String("mode", "all", "режим: bulk, live или all")
	reparse := flag.String("reparse", "", "переразобрать неудачные сообщения источника и выйти")
	flag.Parse()

	if *mode != "bulk" && *mode != "live" && *mode != "all" {
		logger.Fatal("Неизвестный режим", zap.String("mode", *mode))
	}

	logger.Info("Проверка наличия файла конфигурации", zap.String("path", *configPath))
	if _, err := os.Stat(*configPath); os.IsNotExist(err) {
		logger.Fatal("Файл конфигурации не найден", zap.String("path", *configPath))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Ошибка загрузки конфигурации", zap.Error(err))
	}
	logger.Init(logger.Options{Level: cfg.Log.Level, File: cfg.Log.File, Console: cfg.Log.Console})

	// Контекст отменяется по SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nЗавершение работы...")
		cancel()
	}()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.Fatal("Ошибка инициализации", zap.Error(err))
	}

	code := 0
	if err := run(ctx, a, *mode, *reparse); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Работа завершена с ошибкой", zap.Error(err))
		code = 1
	}
	if err := a.Close(); err != nil {
		logger.Error("Ошибка при закрытии", zap.Error(err))
	}
	logger.Sync()
	os.Exit(code)
}

func run(ctx context.Context, a *app.App, mode, reparse string) error {
	if reparse != "" {
		src, ok := a.Source(reparse)
		if !ok {
			return fmt.Errorf("источник %q не найден", reparse)
		}
		msg, err := a.Pipeline.Reparse(ctx, src)
		if err != nil {
			return err
		}
		notify.Send(ctx, a.Notifier, fmt.Sprintf("%s: %s", src.Name, msg))
		return nil
	}

	if mode == "bulk" || mode == "all" {
		if err := a.Pipeline.RunAll(ctx, a.Sources); err != nil {
			if ctx.Err() != nil || mode == "bulk" {
				return err
			}
			// сбой отдельных источников не мешает live-режиму
			logger.Error("Синхронизация завершена с ошибками", zap.Error(err))
		}
	}
	if mode == "bulk" {
		return nil
	}

	coord := a.Live()
	if err := coord.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	coord.Shutdown()
	return coord.Wait()
}
