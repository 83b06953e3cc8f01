package core

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"pkt.systems/hlld/internal/hll"
	"pkt.systems/hlld/internal/storage"
)

const (
	setsPrefix     = "sets/"
	snapshotMagic  = "HLLD1\n"
	maxHeaderBytes = 64 << 10
)

var (
	errCorruptSnapshot = errors.New("core: corrupt snapshot")

	snapshotEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	snapshotDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// snapshotHeader is the JSON metadata stored ahead of the register payload.
type snapshotHeader struct {
	Name      string  `json:"name"`
	Instance  string  `json:"instance"`
	Precision int     `json:"precision"`
	Epsilon   float64 `json:"eps"`
	Size      uint64  `json:"size"`
	Sets      uint64  `json:"sets"`
	Created   int64   `json:"created"`
	Updated   int64   `json:"updated"`

	SlidingPeriod    int64 `json:"sliding_period,omitempty"`
	SlidingPrecision int64 `json:"sliding_precision,omitempty"`
}

func (h snapshotHeader) window() hll.Window {
	return hll.Window{
		Period:      time.Duration(h.SlidingPeriod) * time.Second,
		Granularity: time.Duration(h.SlidingPrecision) * time.Second,
	}
}

func (h snapshotHeader) config() SetConfig {
	return SetConfig{
		Precision: h.Precision,
		Epsilon:   hll.ErrorForPrecision(h.Precision),
		Mode:      Proxied,
		Window:    h.window(),
	}
}

// objectKey maps a set name onto its snapshot key. Names are path escaped so
// they always form a single key segment.
func objectKey(name string) string {
	escaped := url.PathEscape(name)
	if escaped == "." || escaped == ".." {
		escaped = strings.ReplaceAll(escaped, ".", "%2E")
	}
	return setsPrefix + escaped
}

func nameFromKey(key string) (string, bool) {
	escaped, ok := strings.CutPrefix(key, setsPrefix)
	if !ok || escaped == "" || strings.Contains(escaped, "/") {
		return "", false
	}
	name, err := url.PathUnescape(escaped)
	if err != nil {
		return "", false
	}
	return name, true
}

// encodeSnapshot frames hdr and the sketch payload: magic, a big endian
// header length, the JSON header, then the zstd compressed payload.
func encodeSnapshot(hdr snapshotHeader, payload []byte) ([]byte, error) {
	meta, err := json.Marshal(hdr)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(snapshotMagic) + 4 + len(meta) + len(payload))
	buf.WriteString(snapshotMagic)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(meta)))
	buf.Write(lenBuf[:])
	buf.Write(meta)
	if len(payload) > 0 {
		buf.Write(snapshotEncoder.EncodeAll(payload, nil))
	}
	return buf.Bytes(), nil
}

// decodeSnapshot parses a snapshot. A nil payload means the stored sketch is
// empty.
func decodeSnapshot(data []byte) (snapshotHeader, []byte, error) {
	var hdr snapshotHeader
	rest, ok := bytes.CutPrefix(data, []byte(snapshotMagic))
	if !ok || len(rest) < 4 {
		return hdr, nil, errCorruptSnapshot
	}
	n := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	if n > maxHeaderBytes || int(n) > len(rest) {
		return hdr, nil, errCorruptSnapshot
	}
	if err := json.Unmarshal(rest[:n], &hdr); err != nil {
		return hdr, nil, fmt.Errorf("%w: %v", errCorruptSnapshot, err)
	}
	if hdr.Precision < hll.MinPrecision || hdr.Precision > hll.MaxPrecision {
		return hdr, nil, fmt.Errorf("%w: precision %d", errCorruptSnapshot, hdr.Precision)
	}
	if w := hdr.window(); !w.IsZero() {
		if err := w.Validate(); err != nil {
			return hdr, nil, fmt.Errorf("%w: %v", errCorruptSnapshot, err)
		}
	}
	compressed := rest[n:]
	if len(compressed) == 0 {
		return hdr, nil, nil
	}
	payload, err := snapshotDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return hdr, nil, fmt.Errorf("%w: %v", errCorruptSnapshot, err)
	}
	return hdr, payload, nil
}

// setStore persists set snapshots through a storage backend.
type setStore struct {
	backend storage.Backend
}

func (s *setStore) save(ctx context.Context, hdr snapshotHeader, sketch []byte) error {
	payload, err := encodeSnapshot(hdr, sketch)
	if err != nil {
		return err
	}
	_, err = s.backend.PutObject(ctx, objectKey(hdr.Name), bytes.NewReader(payload), storage.PutObjectOptions{
		ContentType: storage.ContentTypeSnapshot,
	})
	return err
}

// load returns the stored sketch for name. Missing snapshots surface as
// storage.ErrNotFound.
func (s *setStore) load(ctx context.Context, name string) (snapshotHeader, *hll.Sketch, error) {
	data, _, err := storage.ReadAll(ctx, s.backend, objectKey(name))
	if err != nil {
		return snapshotHeader{}, nil, err
	}
	hdr, payload, err := decodeSnapshot(data)
	if err != nil {
		return hdr, nil, err
	}
	sk, err := hll.Restore(hdr.Precision, hdr.window(), payload)
	if err != nil {
		return hdr, nil, fmt.Errorf("%w: %v", errCorruptSnapshot, err)
	}
	return hdr, sk, nil
}

func (s *setStore) remove(ctx context.Context, name string) error {
	return s.backend.DeleteObject(ctx, objectKey(name), storage.DeleteObjectOptions{IgnoreNotFound: true})
}

// scan reads the header of every stored snapshot. Keys that cannot be
// decoded are returned separately.
func (s *setStore) scan(ctx context.Context) ([]snapshotHeader, []string, error) {
	objects, err := storage.ListAll(ctx, s.backend, setsPrefix)
	if err != nil {
		return nil, nil, err
	}
	var skipped []string
	out := make([]snapshotHeader, 0, len(objects))
	for _, obj := range objects {
		name, ok := nameFromKey(obj.Key)
		if !ok || !ValidName(name) {
			skipped = append(skipped, obj.Key)
			continue
		}
		data, _, err := storage.ReadAll(ctx, s.backend, obj.Key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, nil, err
		}
		hdr, _, err := decodeSnapshot(data)
		if err != nil {
			skipped = append(skipped, obj.Key)
			continue
		}
		hdr.Name = name
		out = append(out, hdr)
	}
	return out, skipped, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
