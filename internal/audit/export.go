package audit

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"
)

const (
	csvFlushEvery = 200
	csvBufferSize = 32 * 1024
)

var csvHeader = []string{"id", "occurred_at", "actor_id", "action", "entity", "entity_id", "ip", "details"}

// CSVWriter streams entries as CSV, flushing every few hundred rows.
type CSVWriter struct {
	buf     *bufio.Writer
	csv     *csv.Writer
	pending int
}

// NewCSVWriter wraps w.
func NewCSVWriter(w io.Writer) *CSVWriter {
	buf := bufio.NewWriterSize(w, csvBufferSize)
	return &CSVWriter{buf: buf, csv: csv.NewWriter(buf)}
}

// WriteHeader emits the column names.
func (c *CSVWriter) WriteHeader() error {
	return c.csv.Write(csvHeader)
}

// Write emits one entry.
func (c *CSVWriter) Write(e Entry) error {
	details := "{}"
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return err
		}
		details = string(raw)
	}
	if err := c.csv.Write([]string{
		strconv.FormatInt(e.ID, 10),
		e.OccurredAt.UTC().Format(time.RFC3339),
		strconv.FormatInt(e.ActorID, 10),
		e.Action,
		e.Entity,
		e.EntityID,
		e.IP,
		details,
	}); err != nil {
		return err
	}
	c.pending++
	if c.pending >= csvFlushEvery {
		c.pending = 0
		return c.Flush()
	}
	return nil
}

// Flush pushes buffered rows to the underlying writer.
func (c *CSVWriter) Flush() error {
	c.csv.Flush()
	if err := c.csv.Error(); err != nil {
		return err
	}
	return c.buf.Flush()
}
