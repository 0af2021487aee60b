package channel

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/andybalholm/brotli"

	"github.com/wmanley/vqec-dp/internal/vqerr"
)

// GetSeqLogs is get_seqlogs (spec.md §6): a brotli-compressed dump of the
// state machine's bounded diagnostic ring, for a control plane pulling
// post-mortem traces off a channel without holding the dataplane's
// allocator budget hostage to an uncompressed transfer.
func (c *Channel) GetSeqLogs() ([]byte, error) {
	raw, err := json.Marshal(c.sm.Log())
	if err != nil {
		return nil, fmt.Errorf("channel: %w: marshalling seqlog: %v", vqerr.ErrInternal, err)
	}
	return brotliCompress(raw)
}

// GetGapReportCompressed is get_gap_report (spec.md §6), brotli-compressed
// the same way as GetSeqLogs.
func (c *Channel) GetGapReportCompressed() ([]byte, error) {
	raw, err := json.Marshal(c.cache.GapReport())
	if err != nil {
		return nil, fmt.Errorf("channel: %w: marshalling gap report: %v", vqerr.ErrInternal, err)
	}
	return brotliCompress(raw)
}

func brotliCompress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("channel: %w: brotli write: %v", vqerr.ErrInternal, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("channel: %w: brotli close: %v", vqerr.ErrInternal, err)
	}
	return buf.Bytes(), nil
}
