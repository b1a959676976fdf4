// Package layercodec turns an OCI tar layer stream into a split stream
// addressed in the object repository, and back. Encoding separates each
// entry's header from its payload so that identical file content shared
// across layers is stored once; decoding rebuilds a tar stream with the same
// entries, payloads and kept header fields from the split-stream
// representation (see Decode for which header fields are kept).
package layercodec

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/projecteru2/bootc-composefs/objectrepo"
	"github.com/projecteru2/bootc-composefs/types"
	"github.com/projecteru2/core/log"
)

// ErrMalformedLayer is returned when a tar entry violates a layer-codec
// invariant: a non-regular entry (symlink, hardlink, directory, device,
// FIFO, or socket) carrying payload bytes.
var ErrMalformedLayer = fmt.Errorf("layercodec: malformed layer")

// externalizeThreshold is the payload size above which an entry's content is
// stored as its own OR object (an External frame) instead of being inlined
// into the split stream object. Small files are inlined to avoid churning
// the object store with tiny objects; large files are externalised so
// identical content across layers/images is deduplicated and so a single
// huge file does not force the whole split stream into memory twice.
const externalizeThreshold = 32 * 1024

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// hasPayload reports whether typeflag is a kind that is allowed to carry
// payload bytes: regular files only. Everything else — symlinks, hardlinks,
// directories, device nodes, FIFOs, sockets, and contiguous-file entries —
// must have zero-length payload; a nonzero payload on one of these is
// ErrMalformedLayer.
func hasPayload(typeflag byte) bool {
	switch typeflag {
	case tar.TypeReg, tar.TypeRegA:
		return true
	default:
		return false
	}
}

// Encode reads a tar stream and writes it into the object repository as a
// split stream, returning the split stream's own Hash. Every entry becomes
// two frames: an inline 512-byte header frame, then a payload frame (inline
// for small regular files, external for large ones, and an empty inline
// frame for everything else).
func Encode(ctx context.Context, or *objectrepo.Repo, r io.Reader) (types.Hash, error) {
	logger := log.WithFunc("layercodec.Encode")
	tr := tar.NewReader(r)
	ss := &objectrepo.SplitStream{Lookups: make(map[types.Hash]types.Hash)}

	var entries int
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return types.Hash{}, fmt.Errorf("layercodec encode: read tar entry: %w", err)
		}
		entries++

		if !hasPayload(hdr.Typeflag) && hdr.Size != 0 {
			return types.Hash{}, fmt.Errorf("%w: entry %q of type %q declares size %d but must carry no payload",
				ErrMalformedLayer, hdr.Name, string(hdr.Typeflag), hdr.Size)
		}

		block, err := encodeHeader(hdr)
		if err != nil {
			return types.Hash{}, fmt.Errorf("layercodec encode: entry %q: %w", hdr.Name, err)
		}
		ss.Frames = append(ss.Frames, objectrepo.Frame{
			Kind:   objectrepo.FrameInline,
			Size:   blockSize,
			Inline: append([]byte(nil), block[:]...),
		})

		payloadFrame, err := encodePayload(ctx, or, tr, hdr)
		if err != nil {
			return types.Hash{}, fmt.Errorf("layercodec encode: entry %q: %w", hdr.Name, err)
		}
		ss.Frames = append(ss.Frames, payloadFrame)
	}

	h, err := or.PutStream(ctx, ss)
	if err != nil {
		return types.Hash{}, fmt.Errorf("layercodec encode: %w", err)
	}
	logger.Debugf(ctx, "encoded %d tar entries into split stream %s", entries, h)
	return h, nil
}

func encodePayload(ctx context.Context, or *objectrepo.Repo, tr *tar.Reader, hdr *tar.Header) (objectrepo.Frame, error) {
	if hdr.Size == 0 {
		return objectrepo.Frame{Kind: objectrepo.FrameInline, Size: 0, Inline: nil}, nil
	}
	if hdr.Size <= externalizeThreshold {
		buf := make([]byte, hdr.Size)
		if _, err := io.ReadFull(tr, buf); err != nil {
			return objectrepo.Frame{}, fmt.Errorf("read inline payload: %w", err)
		}
		return objectrepo.Frame{Kind: objectrepo.FrameInline, Size: hdr.Size, Inline: buf}, nil
	}
	eh, n, err := or.PutObjectStream(ctx, io.LimitReader(tr, hdr.Size))
	if err != nil {
		return objectrepo.Frame{}, fmt.Errorf("externalise payload: %w", err)
	}
	if n != hdr.Size {
		return objectrepo.Frame{}, fmt.Errorf("externalise payload: wrote %d bytes, header declared %d", n, hdr.Size)
	}
	return objectrepo.Frame{Kind: objectrepo.FrameExternal, Size: hdr.Size, External: eh}, nil
}

// Decode resolves the split stream named by streamH and writes the
// reconstructed tar stream to w. Each emitted header carries the entry's
// name, mode, uid, gid, size, modification time (whole seconds), type flag
// and link name; other header fields (user and group names, device numbers,
// PAX records) are not kept. The stream is written through archive/tar's
// Writer, so it is not in general byte-identical to the one originally
// passed to Encode.
func Decode(ctx context.Context, or *objectrepo.Repo, streamH types.Hash, w io.Writer) error {
	ss, _, err := or.OpenStream(ctx, streamH.String(), &streamH)
	if err != nil {
		return fmt.Errorf("layercodec decode: %w", err)
	}
	if len(ss.Frames)%2 != 0 {
		return fmt.Errorf("%w: split stream has odd frame count %d", ErrMalformedLayer, len(ss.Frames))
	}

	tw := tar.NewWriter(w)
	for i := 0; i < len(ss.Frames); i += 2 {
		headerFrame := ss.Frames[i]
		payloadFrame := ss.Frames[i+1]
		if headerFrame.Kind != objectrepo.FrameInline || int64(len(headerFrame.Inline)) != blockSize {
			return fmt.Errorf("%w: frame %d is not a %d-byte inline header", ErrMalformedLayer, i, blockSize)
		}
		var block [blockSize]byte
		copy(block[:], headerFrame.Inline)
		hdr, err := decodeHeader(block)
		if err != nil {
			return fmt.Errorf("layercodec decode: frame %d: %w", i, err)
		}

		if !hasPayload(hdr.Typeflag) && payloadFrame.Size != 0 {
			return fmt.Errorf("%w: entry %q of type %q has nonzero payload", ErrMalformedLayer, hdr.Name, string(hdr.Typeflag))
		}
		hdr.Size = payloadFrame.Size

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("layercodec decode: write header for %q: %w", hdr.Name, err)
		}
		if payloadFrame.Size == 0 {
			continue
		}
		pr, err := payloadReader(ctx, or, payloadFrame)
		if err != nil {
			return fmt.Errorf("layercodec decode: entry %q: %w", hdr.Name, err)
		}
		_, copyErr := io.Copy(tw, pr)
		if closer, ok := pr.(io.Closer); ok {
			_ = closer.Close()
		}
		if copyErr != nil {
			return fmt.Errorf("layercodec decode: entry %q: write payload: %w", hdr.Name, copyErr)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("layercodec decode: %w", err)
	}
	return nil
}

func payloadReader(ctx context.Context, or *objectrepo.Repo, f objectrepo.Frame) (io.Reader, error) {
	switch f.Kind {
	case objectrepo.FrameInline:
		return bytes.NewReader(f.Inline), nil
	case objectrepo.FrameExternal:
		rc, err := or.OpenObject(ctx, f.External)
		if err != nil {
			return nil, err
		}
		return rc, nil
	default:
		return nil, fmt.Errorf("unknown frame kind %d", f.Kind)
	}
}
