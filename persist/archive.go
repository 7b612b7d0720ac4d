// Package persist provides a sqlite-backed archive for committed
// events. The kernel talks to it only through the ArchiveSink interface;
// hosts that need durability wire it in, everyone else runs in memory.
package persist

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/najoast/filament/abi"
	"github.com/najoast/filament/timeline"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	pid       INTEGER NOT NULL,
	tick      INTEGER NOT NULL,
	topic     TEXT    NOT NULL,
	virt_time INTEGER NOT NULL,
	wall_ts   INTEGER NOT NULL,
	encoding  INTEGER NOT NULL,
	flags     INTEGER NOT NULL,
	payload   BLOB,
	PRIMARY KEY (pid, tick)
);
CREATE INDEX IF NOT EXISTS events_topic ON events (pid, topic, tick);
`

// Archive mirrors committed events into a sqlite database.
type Archive struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens an archive at path (":memory:" works).
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persist: opening %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("persist: creating schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// Archive implements kernel.ArchiveSink.
func (a *Archive) Archive(pid uint64, rec timeline.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := a.db.Exec(
		`INSERT OR REPLACE INTO events (pid, tick, topic, virt_time, wall_ts, encoding, flags, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pid, rec.Header.ID, rec.Topic, rec.Header.VirtTime, rec.Header.WallTS,
		rec.Header.Encoding, rec.Header.Flags, rec.Payload,
	)
	if err != nil {
		return fmt.Errorf("persist: archiving pid %d tick %d: %w", pid, rec.Header.ID, err)
	}
	return nil
}

// Events returns the archived records of one process in tick order.
func (a *Archive) Events(pid uint64) ([]timeline.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rows, err := a.db.Query(
		`SELECT tick, topic, virt_time, wall_ts, encoding, flags, payload
		 FROM events WHERE pid = ? ORDER BY tick`, pid)
	if err != nil {
		return nil, fmt.Errorf("persist: querying pid %d: %w", pid, err)
	}
	defer rows.Close()

	var out []timeline.Record
	for rows.Next() {
		var rec timeline.Record
		if err := rows.Scan(&rec.Header.ID, &rec.Topic, &rec.Header.VirtTime,
			&rec.Header.WallTS, &rec.Header.Encoding, &rec.Header.Flags, &rec.Payload); err != nil {
			return nil, err
		}
		rec.Header.TopicLen = uint32(len(rec.Topic))
		rec.Header.DataLen = uint32(len(rec.Payload))
		rec.Header.TotalLen = abi.EventTotalLen(rec.Header.TopicLen, rec.Header.DataLen)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the database.
func (a *Archive) Close() error {
	return a.db.Close()
}
