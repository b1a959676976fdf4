package objectrepo

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/projecteru2/bootc-composefs/types"
	"github.com/projecteru2/bootc-composefs/utils"
	"github.com/projecteru2/core/log"
)

// streamMagic identifies the split-stream container format at the start of
// the OR object a SplitStream is stored as.
var streamMagic = [8]byte{'B', 'C', 'F', 'S', 'S', 'T', 'R', 'M'}

// FrameKind distinguishes an inline frame (bytes live in the split stream
// object itself) from an external one (bytes live in a separate OR object,
// addressed by Hash).
type FrameKind int

const (
	FrameInline FrameKind = iota
	FrameExternal
)

// Frame is one element of a split stream: either inline bytes or a
// reference to an externalised OR object plus its declared size.
type Frame struct {
	Kind     FrameKind
	Size     int64      // declared length; authoritative for External frames
	External types.Hash // valid only when Kind == FrameExternal
	Inline   []byte     // valid only when Kind == FrameInline
}

// SplitStream is an ordered sequence of Frames plus a lookup table of
// H -> H used by consumers, e.g. mapping a layer diff-id to that layer's
// own split-stream Hash.
type SplitStream struct {
	Frames  []Frame
	Lookups map[types.Hash]types.Hash
}

type frameMeta struct {
	Kind     FrameKind  `json:"kind"`
	Size     int64      `json:"size"`
	External string     `json:"external,omitempty"`
}

type streamHeader struct {
	Frames  []frameMeta       `json:"frames"`
	Lookups map[string]string `json:"lookups,omitempty"`
}

// encode serialises ss into the on-disk split-stream container format:
// an 8-byte magic, a uint32-LE header length, a JSON header describing
// frame kinds/sizes/lookups, then the concatenated bytes of every Inline
// frame in order.
func (ss *SplitStream) encode() ([]byte, error) {
	hdr := streamHeader{Lookups: make(map[string]string, len(ss.Lookups))}
	var payload bytes.Buffer
	for _, f := range ss.Frames {
		m := frameMeta{Kind: f.Kind, Size: f.Size}
		switch f.Kind {
		case FrameInline:
			if int64(len(f.Inline)) != f.Size {
				return nil, fmt.Errorf("encode split stream: inline frame size mismatch")
			}
			payload.Write(f.Inline)
		case FrameExternal:
			m.External = f.External.String()
		default:
			return nil, fmt.Errorf("encode split stream: unknown frame kind %d", f.Kind)
		}
		hdr.Frames = append(hdr.Frames, m)
	}
	for k, v := range ss.Lookups {
		hdr.Lookups[k.String()] = v.String()
	}

	hdrBytes, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("encode split stream header: %w", err)
	}

	var out bytes.Buffer
	out.Write(streamMagic[:])
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(hdrBytes))) //nolint:gosec // header size bounded by in-memory marshal
	out.Write(lenBuf[:])
	out.Write(hdrBytes)
	out.Write(payload.Bytes())
	return out.Bytes(), nil
}

func decodeSplitStream(raw []byte) (*SplitStream, error) {
	if len(raw) < 12 || !bytes.Equal(raw[:8], streamMagic[:]) {
		return nil, fmt.Errorf("decode split stream: bad magic")
	}
	hdrLen := binary.LittleEndian.Uint32(raw[8:12])
	if uint64(12)+uint64(hdrLen) > uint64(len(raw)) {
		return nil, fmt.Errorf("decode split stream: truncated header")
	}
	var hdr streamHeader
	if err := json.Unmarshal(raw[12:12+hdrLen], &hdr); err != nil {
		return nil, fmt.Errorf("decode split stream header: %w", err)
	}

	ss := &SplitStream{Lookups: make(map[types.Hash]types.Hash, len(hdr.Lookups))}
	for k, v := range hdr.Lookups {
		kh, err := types.ParseHash(k)
		if err != nil {
			return nil, fmt.Errorf("decode split stream lookup key: %w", err)
		}
		vh, err := types.ParseHash(v)
		if err != nil {
			return nil, fmt.Errorf("decode split stream lookup value: %w", err)
		}
		ss.Lookups[kh] = vh
	}

	payload := raw[12+hdrLen:]
	var off int64
	for _, m := range hdr.Frames {
		f := Frame{Kind: m.Kind, Size: m.Size}
		switch m.Kind {
		case FrameInline:
			if off+m.Size > int64(len(payload)) {
				return nil, fmt.Errorf("decode split stream: truncated inline payload")
			}
			f.Inline = payload[off : off+m.Size]
			off += m.Size
		case FrameExternal:
			h, err := types.ParseHash(m.External)
			if err != nil {
				return nil, fmt.Errorf("decode split stream external ref: %w", err)
			}
			f.External = h
		default:
			return nil, fmt.Errorf("decode split stream: unknown frame kind %d", m.Kind)
		}
		ss.Frames = append(ss.Frames, f)
	}
	return ss, nil
}

// PutStream stores ss as an OR object and returns its Hash.
func (r *Repo) PutStream(ctx context.Context, ss *SplitStream) (types.Hash, error) {
	raw, err := ss.encode()
	if err != nil {
		return types.Hash{}, err
	}
	return r.PutObject(ctx, raw)
}

// SetStream atomically rewrites the named pointer `name` to resolve to h.
func (r *Repo) SetStream(ctx context.Context, name string, h types.Hash) error {
	path := r.cfg.StreamPath(name)
	if err := utils.AtomicWriteFile(path, []byte(h.String()), 0o644); err != nil { //nolint:gosec // pointer file, not an object
		return fmt.Errorf("set stream %q: %w", name, err)
	}
	log.WithFunc("objectrepo.SetStream").Debugf(ctx, "stream %q -> %s", name, h)
	return nil
}

// CheckStream probes whether the named pointer exists without materialising
// the split stream body.
func (r *Repo) CheckStream(_ context.Context, name string) (types.Hash, bool, error) {
	data, err := os.ReadFile(r.cfg.StreamPath(name)) //nolint:gosec // pointer file under repo-owned dir
	if err != nil {
		if os.IsNotExist(err) {
			return types.Hash{}, false, nil
		}
		return types.Hash{}, false, fmt.Errorf("check stream %q: %w", name, err)
	}
	h, err := types.ParseHash(string(data))
	if err != nil {
		return types.Hash{}, false, fmt.Errorf("check stream %q: %w", name, err)
	}
	return h, true, nil
}

// OpenStream resolves nameOrHash (a named pointer if it does not parse as a
// Hash, or the Hash itself) and decodes the split stream stored there. If
// expectedRoot is non-nil, the resolved Hash must equal it or an error is
// returned — used by callers that already know which root they expect
// (e.g. a config-stream lookup table entry) and want a defence-in-depth
// check beyond OR's own integrity verification.
func (r *Repo) OpenStream(ctx context.Context, nameOrHash string, expectedRoot *types.Hash) (*SplitStream, types.Hash, error) {
	h, err := types.ParseHash(nameOrHash)
	if err != nil {
		var ok bool
		h, ok, err = r.CheckStream(ctx, nameOrHash)
		if err != nil {
			return nil, types.Hash{}, err
		}
		if !ok {
			return nil, types.Hash{}, fmt.Errorf("open stream %q: %w", nameOrHash, ErrNotFound)
		}
	}
	if expectedRoot != nil && h != *expectedRoot {
		return nil, types.Hash{}, fmt.Errorf("open stream %q: resolved to %s, expected %s", nameOrHash, h, *expectedRoot)
	}

	raw, err := r.GetObject(ctx, h)
	if err != nil {
		return nil, h, fmt.Errorf("open stream %q: %w", nameOrHash, err)
	}
	ss, err := decodeSplitStream(raw)
	if err != nil {
		return nil, h, fmt.Errorf("open stream %q: %w", nameOrHash, err)
	}
	return ss, h, nil
}

// StreamFrameReader turns a SplitStream back into a single io.Reader,
// resolving External frames through the repository.
func (r *Repo) StreamFrameReader(ctx context.Context, ss *SplitStream) io.Reader {
	readers := make([]io.Reader, 0, len(ss.Frames))
	for _, f := range ss.Frames {
		f := f
		switch f.Kind {
		case FrameInline:
			readers = append(readers, bytes.NewReader(f.Inline))
		case FrameExternal:
			readers = append(readers, &lazyObjectReader{r: r, ctx: ctx, h: f.External})
		}
	}
	return io.MultiReader(readers...)
}

// lazyObjectReader defers opening the backing OR object until first Read,
// so building a long chain of external frames does not hold many file
// descriptors open simultaneously.
type lazyObjectReader struct {
	r    *Repo
	ctx  context.Context
	h    types.Hash
	rc   io.ReadCloser
}

func (l *lazyObjectReader) Read(p []byte) (int, error) {
	if l.rc == nil {
		rc, err := l.r.OpenObject(l.ctx, l.h)
		if err != nil {
			return 0, err
		}
		l.rc = rc
	}
	n, err := l.rc.Read(p)
	if err == io.EOF {
		_ = l.rc.Close()
	}
	return n, err
}
