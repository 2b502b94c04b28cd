package pgstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/phuslu/log"

	"nuha.dev/gpsmap/internal/position"
)

const DefaultTable = "last_fix"

// DB is the subset of *pgxpool.Pool used by Store.
type DB interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type StoreConfig struct {
	Table     string
	TickerDur time.Duration
}

// Store checkpoints the latest fix into a single row so a restarted server
// can serve it again. Writes between two flushes are coalesced.
type Store struct {
	config StoreConfig
	db     DB
	table  string
	wlock  sync.Mutex
	wbuf   buffer
	log    log.Logger
}

type buffer struct {
	seq uint64
	t1  time.Time
	fix *position.Fix
}

func NewStore(db DB, config StoreConfig) *Store {
	if config.Table == "" {
		config.Table = DefaultTable
	}
	if config.TickerDur <= 0 {
		config.TickerDur = 5 * time.Second
	}
	o := &Store{config: config, db: db}
	o.table = pgx.Identifier{config.Table}.Sanitize()
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "pgstore").Value()
	return o
}

func (st *Store) Init(ctx context.Context) error {
	_, err := st.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+st.table+` (
	id smallint PRIMARY KEY,
	lat double precision,
	lon double precision,
	mode integer NOT NULL,
	gps_time text,
	updated_at text,
	saved_at timestamptz NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("pgstore: create table: %w", err)
	}
	return nil
}

// Load returns the checkpointed fix. ok is false when nothing was saved yet.
func (st *Store) Load(ctx context.Context) (f position.Fix, ok bool, err error) {
	row := st.db.QueryRow(ctx, `SELECT lat, lon, mode, gps_time, updated_at FROM `+st.table+` WHERE id = 1`)
	err = row.Scan(&f.Lat, &f.Lon, &f.Mode, &f.Time, &f.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return position.Fix{}, false, nil
	}
	if err != nil {
		return position.Fix{}, false, fmt.Errorf("pgstore: load: %w", err)
	}
	return f, true, nil
}

// Put records f as the next fix to save. It never touches the database.
func (st *Store) Put(f position.Fix) {
	st.wlock.Lock()
	if st.wbuf.fix == nil {
		st.wbuf.t1 = time.Now().UTC()
	}
	st.wbuf.fix = &f
	st.wbuf.seq++
	st.wlock.Unlock()
}

// Run flushes on every tick until ctx is done, then flushes once more.
func (st *Store) Run(ctx context.Context) {
	st.log.Info().Dur("interval", st.config.TickerDur).Msg("starting checkpoint task")
	ticker := time.NewTicker(st.config.TickerDur)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := st.Flush(fctx); err != nil {
				st.log.Error().Err(err).Msg("final flush error")
			}
			cancel()
			return
		case <-ticker.C:
			if err := st.Flush(ctx); err != nil {
				st.log.Error().Err(err).Msg("flush error")
			}
		}
	}
}

func (st *Store) Flush(ctx context.Context) error {
	st.wlock.Lock()
	buf := st.wbuf
	st.wbuf.fix = nil
	st.wlock.Unlock()
	if buf.fix == nil {
		return nil
	}

	t0 := time.Now()
	f := buf.fix
	_, err := st.db.Exec(ctx, `INSERT INTO `+st.table+` (id, lat, lon, mode, gps_time, updated_at, saved_at)
VALUES (1, $1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET lat = EXCLUDED.lat, lon = EXCLUDED.lon, mode = EXCLUDED.mode,
	gps_time = EXCLUDED.gps_time, updated_at = EXCLUDED.updated_at, saved_at = EXCLUDED.saved_at`,
		f.Lat, f.Lon, f.Mode, f.Time, f.ReceivedAt, t0.UTC())
	if err != nil {
		st.wlock.Lock()
		if st.wbuf.fix == nil {
			st.wbuf = buf
		}
		st.wlock.Unlock()
		return fmt.Errorf("pgstore: save: %w", err)
	}
	st.log.Debug().Uint64("seq", buf.seq).Dur("age", t0.Sub(buf.t1)).Dur("time_taken", time.Since(t0)).Msg("flush successfull")
	return nil
}
