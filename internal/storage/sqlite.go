package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/skalibog/btcsignals/internal/config"
	"github.com/skalibog/btcsignals/pkg/models"

	_ "modernc.org/sqlite"
)

const maxTextLen = 2000

const schemaSQL = `
CREATE TABLE IF NOT EXISTS channels (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    channel_id INTEGER NOT NULL UNIQUE, name TEXT NOT NULL,
    parser_type TEXT NOT NULL, description TEXT,
    message_count INTEGER DEFAULT 0, last_message_at TEXT,
    is_active BOOLEAN DEFAULT 1, added_at TEXT DEFAULT (datetime('now'))
);
CREATE TABLE IF NOT EXISTS btc_price (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL UNIQUE, price REAL NOT NULL,
    volume REAL, source TEXT DEFAULT 'binance_kline'
);
CREATE TABLE IF NOT EXISTS raw_messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    channel_id INTEGER NOT NULL, channel_name TEXT NOT NULL,
    message_id INTEGER NOT NULL, timestamp TEXT NOT NULL, text TEXT,
    has_text BOOLEAN DEFAULT 1, from_username TEXT,
    reply_to_topic_id INTEGER, is_parsed BOOLEAN DEFAULT 0,
    parse_error TEXT, UNIQUE(channel_id, message_id)
);
CREATE TABLE IF NOT EXISTS signals (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    channel_id INTEGER NOT NULL, channel_name TEXT NOT NULL,
    message_id INTEGER NOT NULL, message_text TEXT,
    timestamp TEXT NOT NULL, indicator_value REAL,
    signal_color TEXT, signal_direction TEXT, timeframe TEXT,
    btc_price_from_channel REAL, btc_price_binance REAL,
    extra_data TEXT, UNIQUE(channel_id, message_id)
);
CREATE TABLE IF NOT EXISTS signal_price_context (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    signal_id INTEGER NOT NULL UNIQUE, channel_name TEXT NOT NULL,
    signal_timestamp TEXT NOT NULL, price_at_signal REAL,
    price_5m_before REAL, price_15m_before REAL, price_1h_before REAL,
    price_5m_after REAL, price_15m_after REAL, price_1h_after REAL,
    price_4h_after REAL, price_24h_after REAL,
    change_5m_pct REAL, change_15m_pct REAL, change_1h_pct REAL,
    change_4h_pct REAL, change_24h_pct REAL,
    filled_mask INTEGER DEFAULT 0,
    FOREIGN KEY (signal_id) REFERENCES signals(id)
);
CREATE TABLE IF NOT EXISTS sync_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    channel_name TEXT NOT NULL, phase TEXT NOT NULL,
    total_messages INTEGER DEFAULT 0, parsed_ok INTEGER DEFAULT 0,
    parsed_fail INTEGER DEFAULT 0, skipped_media INTEGER DEFAULT 0,
    skipped_filter INTEGER DEFAULT 0, earliest_message TEXT,
    latest_message TEXT, started_at TEXT, completed_at TEXT, notes TEXT
);
CREATE INDEX IF NOT EXISTS idx_price_ts ON btc_price(timestamp);
CREATE INDEX IF NOT EXISTS idx_sig_ts ON signals(timestamp);
CREATE INDEX IF NOT EXISTS idx_sig_ch ON signals(channel_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_sig_dir ON signals(signal_direction, timestamp);
CREATE INDEX IF NOT EXISTS idx_ctx_mask ON signal_price_context(filled_mask);
CREATE INDEX IF NOT EXISTS idx_ctx_ts ON signal_price_context(signal_timestamp);
CREATE INDEX IF NOT EXISTS idx_raw_ch ON raw_messages(channel_id, message_id);
CREATE INDEX IF NOT EXISTS idx_raw_parsed ON raw_messages(is_parsed, channel_name);
CREATE INDEX IF NOT EXISTS idx_sync_ch ON sync_log(channel_name, id);
`

// Колонки контекста по имени горизонта; значения не приходят извне
var (
	afterColumns = map[string][2]string{
		"5m":  {"price_5m_after", "change_5m_pct"},
		"15m": {"price_15m_after", "change_15m_pct"},
		"1h":  {"price_1h_after", "change_1h_pct"},
		"4h":  {"price_4h_after", "change_4h_pct"},
		"24h": {"price_24h_after", "change_24h_pct"},
	}
	beforeColumns = map[string]string{
		"5m":  "price_5m_before",
		"15m": "price_15m_before",
		"1h":  "price_1h_before",
	}
)

// SQLiteStore реализует интерфейс Storage поверх SQLite
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore открывает (или создает) базу и применяет схему
func NewSQLiteStore(cfg config.DatabaseConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("путь к базе не задан")
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия базы: %w", err)
	}
	// Одно соединение: SQLite сериализует запись, а pragma действуют на соединение
	db.SetMaxOpenConns(1)

	busy := cfg.BusyTimeoutMs
	if busy <= 0 {
		busy = 5000
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busy),
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("ошибка %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("ошибка создания схемы: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close закрывает соединение с базой данных
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SavePricePoints вставляет точки, существующие минуты не трогает
func (s *SQLiteStore) SavePricePoints(ctx context.Context, points []models.PricePoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR IGNORE INTO btc_price (timestamp, price, volume, source) VALUES (?, ?, ?, ?)")
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, p := range points {
		source := p.Source
		if source == "" {
			source = models.PriceSourceKline
		}
		res, err := stmt.ExecContext(ctx, minuteString(p.Timestamp), p.Price, nullIfZero(p.Volume), source)
		if err != nil {
			return 0, fmt.Errorf("ошибка записи цены: %w", err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// StreamPricePoints отдает все точки по возрастанию времени
func (s *SQLiteStore) StreamPricePoints(ctx context.Context, fn func(models.PricePoint) error) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT timestamp, price, volume, source FROM btc_price ORDER BY timestamp")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			ts     string
			price  float64
			volume sql.NullFloat64
			source sql.NullString
		)
		if err := rows.Scan(&ts, &price, &volume, &source); err != nil {
			return err
		}
		t, err := parseTime(ts)
		if err != nil {
			continue
		}
		if err := fn(models.PricePoint{Timestamp: t, Price: price, Volume: volume.Float64, Source: source.String}); err != nil {
			return err
		}
	}
	return rows.Err()
}

// PriceStats количество и диапазон цен
func (s *SQLiteStore) PriceStats(ctx context.Context) (PriceStats, error) {
	var (
		out      PriceStats
		min, max sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), MIN(timestamp), MAX(timestamp) FROM btc_price").Scan(&out.Count, &min, &max)
	if err != nil {
		return out, err
	}
	out.Earliest = parseNullTime(min)
	out.Latest = parseNullTime(max)
	return out, nil
}

// UpsertChannel регистрирует источник в таблице channels
func (s *SQLiteStore) UpsertChannel(ctx context.Context, src config.SourceConfig) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO channels (channel_id, name, parser_type) VALUES (?, ?, ?)
        ON CONFLICT(channel_id) DO UPDATE SET name=excluded.name, parser_type=excluded.parser_type`,
		src.ID, src.Name, src.Parser)
	return err
}

// UpdateChannelStats обновляет счетчики канала после отчета
func (s *SQLiteStore) UpdateChannelStats(ctx context.Context, sourceID int64, parsedOK int, last *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE channels SET message_count=?, last_message_at=? WHERE channel_id=?",
		parsedOK, nullTime(last), sourceID)
	return err
}

// InsertRawMessages вставляет сообщения страницы одной транзакцией.
// Возвращает число реально вставленных строк.
func (s *SQLiteStore) InsertRawMessages(ctx context.Context, src config.SourceConfig, msgs []models.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT OR IGNORE INTO raw_messages
        (channel_id, channel_name, message_id, timestamp, text, has_text,
         from_username, reply_to_topic_id, is_parsed, parse_error)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, m := range msgs {
		text := truncate(m.Text, maxTextLen)
		hasText := strings.TrimSpace(text) != ""
		// Сообщения без текста сразу считаются обработанными
		isParsed, parseErr := 0, sql.NullString{}
		if !hasText {
			isParsed, parseErr = 1, sql.NullString{String: ReasonMedia, Valid: true}
		}
		res, err := stmt.ExecContext(ctx,
			src.ID, src.Name, m.ID, formatTime(m.Timestamp), nullString(text), hasText,
			nullString(m.SenderHandle), nullInt(m.TopicID), isParsed, parseErr)
		if err != nil {
			return 0, fmt.Errorf("ошибка записи сообщения %d: %w", m.ID, err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

const rawColumns = `id, channel_id, channel_name, message_id, timestamp, text, has_text,
        from_username, reply_to_topic_id, COALESCE(is_parsed, 0), parse_error`

func scanRaw(sc interface{ Scan(...any) error }) (models.RawMessage, error) {
	var (
		m        models.RawMessage
		ts       string
		text     sql.NullString
		hasText  sql.NullBool
		username sql.NullString
		topic    sql.NullInt64
		parsed   bool
		parseErr sql.NullString
	)
	if err := sc.Scan(&m.ID, &m.SourceID, &m.SourceName, &m.MessageID, &ts, &text, &hasText,
		&username, &topic, &parsed, &parseErr); err != nil {
		return m, err
	}
	t, err := parseTime(ts)
	if err != nil {
		return m, err
	}
	m.Timestamp = t
	m.Text = text.String
	m.HasText = hasText.Bool
	m.SenderHandle = username.String
	if topic.Valid {
		v := topic.Int64
		m.TopicID = &v
	}
	m.Parsed = parsed
	m.ParseError = parseErr.String
	return m, nil
}

// UnparsedMessages страница необработанных сообщений источника по возрастанию id
func (s *SQLiteStore) UnparsedMessages(ctx context.Context, sourceID, afterID int64, limit int) ([]models.RawMessage, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+rawColumns+`
        FROM raw_messages
        WHERE channel_id=? AND COALESCE(is_parsed, 0)=0 AND id>?
        ORDER BY id LIMIT ?`, sourceID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.RawMessage
	for rows.Next() {
		m, err := scanRaw(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RawMessage возвращает сообщение по естественному ключу
func (s *SQLiteStore) RawMessage(ctx context.Context, sourceID, messageID int64) (*models.RawMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+rawColumns+`
        FROM raw_messages WHERE channel_id=? AND message_id=?`, sourceID, messageID)
	m, err := scanRaw(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// MarkParseFailed фиксирует ошибку разбора; сообщение больше не разбирается автоматически
func (s *SQLiteStore) MarkParseFailed(ctx context.Context, rawID int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE raw_messages SET is_parsed=1, parse_error=? WHERE id=? AND COALESCE(is_parsed, 0)=0",
		truncate(reason, 500), rawID)
	return err
}

// MinMessageID наименьший сохраненный message_id источника (курсор докачки истории)
func (s *SQLiteStore) MinMessageID(ctx context.Context, sourceID int64) (int64, bool, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		"SELECT MIN(message_id) FROM raw_messages WHERE channel_id=?", sourceID).Scan(&v); err != nil {
		return 0, false, err
	}
	return v.Int64, v.Valid, nil
}

// ResetParseFailures снимает флаг разбора с неудачных сообщений (команда reparse)
func (s *SQLiteStore) ResetParseFailures(ctx context.Context, sourceName string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE raw_messages SET is_parsed=0, parse_error=NULL
        WHERE channel_name=? AND is_parsed=1 AND parse_error IS NOT NULL AND parse_error<>?`,
		sourceName, ReasonMedia)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CommitParsed атомарно сохраняет сигнал, создает строку контекста и помечает сообщение.
// Новизна сигнала определяется только по RowsAffected, id берется по естественному ключу.
func (s *SQLiteStore) CommitParsed(ctx context.Context, raw models.RawMessage, sig models.Signal) (CommitResult, error) {
	var out CommitResult
	extra := "{}"
	if len(sig.Extra) > 0 {
		b, err := json.Marshal(sig.Extra)
		if err != nil {
			return out, fmt.Errorf("ошибка сериализации extra: %w", err)
		}
		extra = string(b)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return out, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
        INSERT OR IGNORE INTO signals
        (channel_id, channel_name, message_id, message_text, timestamp,
         indicator_value, signal_color, signal_direction, timeframe,
         btc_price_from_channel, btc_price_binance, extra_data)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		raw.SourceID, raw.SourceName, raw.MessageID, truncate(raw.Text, maxTextLen), formatTime(raw.Timestamp),
		nullFloat(sig.Value), nullString(sig.Color), nullString(sig.Direction), nullString(sig.Timeframe),
		nullFloat(sig.SourcePrice), nullFloat(sig.ReferencePrice), extra)
	if err != nil {
		return out, fmt.Errorf("ошибка записи сигнала: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return out, err
	}
	out.Inserted = n > 0

	if err := tx.QueryRowContext(ctx,
		"SELECT id FROM signals WHERE channel_id=? AND message_id=?",
		raw.SourceID, raw.MessageID).Scan(&out.SignalID); err != nil {
		return out, fmt.Errorf("ошибка чтения id сигнала: %w", err)
	}

	priceAt := sig.ReferencePrice
	if priceAt == nil {
		priceAt = sig.SourcePrice
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT OR IGNORE INTO signal_price_context
        (signal_id, channel_name, signal_timestamp, price_at_signal, filled_mask)
        VALUES (?, ?, ?, ?, 0)`,
		out.SignalID, raw.SourceName, formatTime(raw.Timestamp), nullFloat(priceAt)); err != nil {
		return out, fmt.Errorf("ошибка создания контекста: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE raw_messages SET is_parsed=1, parse_error=NULL WHERE channel_id=? AND message_id=?",
		raw.SourceID, raw.MessageID); err != nil {
		return out, err
	}
	if err := tx.Commit(); err != nil {
		return out, err
	}
	return out, nil
}

// LastSignalAt время последнего сигнала источника
func (s *SQLiteStore) LastSignalAt(ctx context.Context, sourceID int64) (*time.Time, error) {
	var v sql.NullString
	if err := s.db.QueryRowContext(ctx,
		"SELECT MAX(timestamp) FROM signals WHERE channel_id=?", sourceID).Scan(&v); err != nil {
		return nil, err
	}
	return parseNullTime(v), nil
}

// EnsureContexts создает недостающие строки контекста (сигналы из старых версий базы)
func (s *SQLiteStore) EnsureContexts(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
        INSERT OR IGNORE INTO signal_price_context
        (signal_id, channel_name, signal_timestamp, price_at_signal, filled_mask)
        SELECT s.id, s.channel_name, s.timestamp,
               COALESCE(s.btc_price_binance, s.btc_price_from_channel), 0
        FROM signals s LEFT JOIN signal_price_context ctx ON ctx.signal_id = s.id
        WHERE ctx.id IS NULL`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const contextColumns = `id, signal_id, channel_name, signal_timestamp, price_at_signal,
        price_5m_before, price_15m_before, price_1h_before,
        price_5m_after, price_15m_after, price_1h_after, price_4h_after, price_24h_after,
        change_5m_pct, change_15m_pct, change_1h_pct, change_4h_pct, change_24h_pct,
        COALESCE(filled_mask, 0)`

func scanContext(sc interface{ Scan(...any) error }) (models.SignalContext, error) {
	var (
		c                       models.SignalContext
		ts                      string
		at                      sql.NullFloat64
		b5, b15, b1h            sql.NullFloat64
		a5, a15, a1h, a4h, a24h sql.NullFloat64
		c5, c15, c1h, c4h, c24h sql.NullFloat64
	)
	if err := sc.Scan(&c.ID, &c.SignalID, &c.SourceName, &ts, &at,
		&b5, &b15, &b1h,
		&a5, &a15, &a1h, &a4h, &a24h,
		&c5, &c15, &c1h, &c4h, &c24h,
		&c.FilledMask); err != nil {
		return c, err
	}
	t, err := parseTime(ts)
	if err != nil {
		return c, err
	}
	c.SignalTimestamp = t
	c.PriceAtSignal = floatPtr(at)
	c.PriceBefore = map[string]*float64{"5m": floatPtr(b5), "15m": floatPtr(b15), "1h": floatPtr(b1h)}
	c.PriceAfter = map[string]*float64{
		"5m": floatPtr(a5), "15m": floatPtr(a15), "1h": floatPtr(a1h), "4h": floatPtr(a4h), "24h": floatPtr(a24h),
	}
	c.ChangePct = map[string]*float64{
		"5m": floatPtr(c5), "15m": floatPtr(c15), "1h": floatPtr(c1h), "4h": floatPtr(c4h), "24h": floatPtr(c24h),
	}
	return c, nil
}

// PendingContexts незавершенные контексты, старые первыми
func (s *SQLiteStore) PendingContexts(ctx context.Context, after *ContextCursor, limit int) ([]models.SignalContext, error) {
	if limit <= 0 {
		limit = 200
	}
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = s.db.QueryContext(ctx, `SELECT `+contextColumns+`
            FROM signal_price_context WHERE COALESCE(filled_mask, 0) < ?
            ORDER BY signal_timestamp, id LIMIT ?`, models.MaskAll, limit)
	} else {
		ts := formatTime(after.Timestamp)
		rows, err = s.db.QueryContext(ctx, `SELECT `+contextColumns+`
            FROM signal_price_context WHERE COALESCE(filled_mask, 0) < ?
              AND (signal_timestamp > ? OR (signal_timestamp = ? AND id > ?))
            ORDER BY signal_timestamp, id LIMIT ?`, models.MaskAll, ts, ts, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.SignalContext
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Context контекст конкретного сигнала
func (s *SQLiteStore) Context(ctx context.Context, signalID int64) (*models.SignalContext, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contextColumns+`
        FROM signal_price_context WHERE signal_id=?`, signalID)
	c, err := scanContext(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// SetContextBase задает цену в момент сигнала, если она еще не известна
func (s *SQLiteStore) SetContextBase(ctx context.Context, contextID int64, price float64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE signal_price_context SET price_at_signal=? WHERE id=? AND price_at_signal IS NULL",
		price, contextID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FillBefore задает цену до сигнала, если поле пусто
func (s *SQLiteStore) FillBefore(ctx context.Context, contextID int64, horizon models.Horizon, price float64) (bool, error) {
	col, ok := beforeColumns[horizon.Name]
	if !ok {
		return false, fmt.Errorf("неизвестный горизонт %q", horizon.Name)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE signal_price_context SET "+col+"=? WHERE id=? AND "+col+" IS NULL",
		price, contextID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetHorizon записывает цену и изменение горизонта вместе с битом маски.
// Обновление происходит только если бит еще не установлен.
func (s *SQLiteStore) SetHorizon(ctx context.Context, contextID int64, horizon models.Horizon, price, pct float64) (bool, error) {
	cols, ok := afterColumns[horizon.Name]
	if !ok || horizon.Bit == 0 {
		return false, fmt.Errorf("неизвестный горизонт %q", horizon.Name)
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE signal_price_context
        SET `+cols[0]+`=?, `+cols[1]+`=?, filled_mask = COALESCE(filled_mask, 0) | ?
        WHERE id=? AND (COALESCE(filled_mask, 0) & ?) = 0`,
		price, pct, horizon.Bit, contextID, horizon.Bit)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// LatestPhase последняя записанная фаза источника. Наличие строки complete
// имеет приоритет над любыми последующими записями.
func (s *SQLiteStore) LatestPhase(ctx context.Context, sourceName string) (string, error) {
	var completed int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sync_log WHERE channel_name=? AND phase=?",
		sourceName, PhaseComplete).Scan(&completed); err != nil {
		return "", err
	}
	if completed > 0 {
		return PhaseComplete, nil
	}
	var phase string
	err := s.db.QueryRowContext(ctx,
		"SELECT phase FROM sync_log WHERE channel_name=? ORDER BY id DESC LIMIT 1",
		sourceName).Scan(&phase)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return phase, err
}

// RecordPhase добавляет строку sync_log
func (s *SQLiteStore) RecordPhase(ctx context.Context, st models.SyncState) error {
	started := st.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO sync_log (channel_name, phase, total_messages, parsed_ok, parsed_fail,
            skipped_media, skipped_filter, earliest_message, latest_message,
            started_at, completed_at, notes)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.SourceName, st.Phase, st.TotalMessages, st.ParsedOK, st.ParsedFail,
		st.SkippedMedia, st.SkippedFilter, nullTime(st.EarliestMessage), nullTime(st.LatestMessage),
		formatTime(started), nullTime(st.CompletedAt), nullString(st.Notes))
	return err
}

// SourceStats агрегаты по сырым сообщениям источника
func (s *SQLiteStore) SourceStats(ctx context.Context, sourceID int64) (models.SourceStats, error) {
	var (
		out      models.SourceStats
		min, max sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*),
               COALESCE(SUM(CASE WHEN has_text=1 THEN 1 ELSE 0 END), 0),
               COALESCE(SUM(CASE WHEN is_parsed=1 AND parse_error IS NULL THEN 1 ELSE 0 END), 0),
               COALESCE(SUM(CASE WHEN is_parsed=1 AND parse_error IS NOT NULL
                                  AND parse_error<>? AND parse_error NOT LIKE 'filtered%' THEN 1 ELSE 0 END), 0),
               COALESCE(SUM(CASE WHEN parse_error LIKE 'filtered%' THEN 1 ELSE 0 END), 0),
               COALESCE(SUM(CASE WHEN COALESCE(is_parsed, 0)=0 THEN 1 ELSE 0 END), 0),
               MIN(timestamp), MAX(timestamp)
        FROM raw_messages WHERE channel_id=?`, ReasonMedia, sourceID).
		Scan(&out.Total, &out.WithText, &out.ParsedOK, &out.ParsedFail, &out.SkippedFilter, &out.Pending, &min, &max)
	if err != nil {
		return out, err
	}
	out.Earliest = parseNullTime(min)
	out.Latest = parseNullTime(max)
	return out, nil
}

// Counts количество строк по таблицам
func (s *SQLiteStore) Counts(ctx context.Context) (TableCounts, error) {
	var c TableCounts
	err := s.db.QueryRowContext(ctx, `
        SELECT (SELECT COUNT(*) FROM btc_price),
               (SELECT COUNT(*) FROM raw_messages),
               (SELECT COUNT(*) FROM signals),
               (SELECT COUNT(*) FROM signal_price_context),
               (SELECT COUNT(*) FROM channels),
               (SELECT COUNT(*) FROM sync_log)`).
		Scan(&c.Prices, &c.Raw, &c.Signals, &c.Contexts, &c.Channels, &c.SyncLog)
	return c, err
}
