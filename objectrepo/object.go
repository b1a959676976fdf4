package objectrepo

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/projecteru2/bootc-composefs/types"
	"github.com/projecteru2/core/log"
)

// PutObject stores b and returns its Hash. Idempotent: calling PutObject
// with identical bytes any number of times, concurrently or not, converges
// on the same on-disk object.
func (r *Repo) PutObject(ctx context.Context, b []byte) (types.Hash, error) {
	h := types.HashBytes(b)
	finalPath := r.cfg.ObjectPath(h.String())
	if _, err := os.Stat(finalPath); err == nil {
		return h, nil
	}

	f, err := createAnonTemp(r.cfg.ObjectsTempDir())
	if err != nil {
		return h, err
	}
	defer f.Close() //nolint:errcheck

	if _, err := f.Write(b); err != nil {
		return h, fmt.Errorf("write object %s: %w", h, err)
	}
	if err := f.Sync(); err != nil {
		return h, fmt.Errorf("sync object %s: %w", h, err)
	}
	if err := linkObject(f, finalPath); err != nil {
		return h, err
	}
	log.WithFunc("objectrepo.PutObject").Debugf(ctx, "published object %s (%d bytes)", h, len(b))
	return h, nil
}

// PutObjectStream is like PutObject but reads from rd instead of holding
// the full content in memory, for large regular-file payloads.
func (r *Repo) PutObjectStream(ctx context.Context, rd io.Reader) (types.Hash, int64, error) {
	f, err := createAnonTemp(r.cfg.ObjectsTempDir())
	if err != nil {
		return types.Hash{}, 0, err
	}
	defer f.Close() //nolint:errcheck

	hasher := types.NewHasher()
	n, err := io.Copy(io.MultiWriter(f, hasher), rd)
	if err != nil {
		return types.Hash{}, 0, fmt.Errorf("write object stream: %w", err)
	}
	if err := f.Sync(); err != nil {
		return types.Hash{}, 0, fmt.Errorf("sync object stream: %w", err)
	}
	h := hasher.Sum()
	finalPath := r.cfg.ObjectPath(h.String())
	if err := linkObject(f, finalPath); err != nil {
		return h, n, err
	}
	log.WithFunc("objectrepo.PutObjectStream").Debugf(ctx, "published object %s (%d bytes)", h, n)
	return h, n, nil
}

// OpenObject opens the object at h for reading. In ModeStrict, the returned
// ReadCloser verifies that the full content hashes to h, returning
// ErrIntegrity from Close (or from Read, once EOF is reached and the hash
// fails) if it does not.
func (r *Repo) OpenObject(_ context.Context, h types.Hash) (io.ReadCloser, error) {
	path := r.cfg.ObjectPath(h.String())
	f, err := os.Open(path) //nolint:gosec // path is hash-derived and repo-owned
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("open object %s: %w", h, ErrNotFound)
		}
		return nil, fmt.Errorf("open object %s: %w", h, err)
	}
	if r.mode == ModeInsecure {
		return f, nil
	}
	return &verifyingReader{f: f, want: h, hasher: types.NewHasher()}, nil
}

// GetObject reads the full content of object h into memory.
func (r *Repo) GetObject(ctx context.Context, h types.Hash) ([]byte, error) {
	rc, err := r.OpenObject(ctx, h)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, err
	}
	if err := rc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// verifyingReader re-hashes content as it is read and compares the result
// to the expected Hash once the underlying file is exhausted.
type verifyingReader struct {
	f      *os.File
	want   types.Hash
	hasher *types.Hasher
	done   bool
	failed bool
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.f.Read(p)
	if n > 0 {
		_, _ = v.hasher.Write(p[:n])
	}
	if err == io.EOF {
		v.done = true
		if v.hasher.Sum() != v.want {
			v.failed = true
			return n, fmt.Errorf("object %s: %w", v.want, ErrIntegrity)
		}
	}
	return n, err
}

func (v *verifyingReader) Close() error {
	if v.failed {
		return fmt.Errorf("object %s: %w", v.want, ErrIntegrity)
	}
	return v.f.Close()
}
