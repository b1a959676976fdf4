package layercodec

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/projecteru2/bootc-composefs/config"
	"github.com/projecteru2/bootc-composefs/objectrepo"
)

func testRepo(t *testing.T) *objectrepo.Repo {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.RunDir = t.TempDir()
	r, err := objectrepo.Open(context.Background(), cfg, objectrepo.ModeStrict)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return r
}

func buildTar(t *testing.T, entries func(tw *tar.Writer)) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	entries(tw)
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	return buf.Bytes()
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	or := testRepo(t)
	ctx := context.Background()

	small := bytes.Repeat([]byte("a"), 100)
	large := bytes.Repeat([]byte("b"), externalizeThreshold+1000)

	raw := buildTar(t, func(tw *tar.Writer) {
		mustWrite(t, tw, &tar.Header{Name: "dir/", Typeflag: tar.TypeDir, Mode: 0o755}, nil)
		mustWrite(t, tw, &tar.Header{Name: "dir/small.txt", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(small))}, small)
		mustWrite(t, tw, &tar.Header{Name: "dir/large.bin", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(large))}, large)
		mustWrite(t, tw, &tar.Header{Name: "dir/link", Typeflag: tar.TypeSymlink, Linkname: "small.txt"}, nil)
	})

	h, err := Encode(ctx, or, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var out bytes.Buffer
	if err := Decode(ctx, or, h, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	gotEntries := readAllEntries(t, out.Bytes())
	wantEntries := readAllEntries(t, raw)
	if len(gotEntries) != len(wantEntries) {
		t.Fatalf("entry count mismatch: got %d want %d", len(gotEntries), len(wantEntries))
	}
	for i := range wantEntries {
		if gotEntries[i].hdr.Name != wantEntries[i].hdr.Name {
			t.Fatalf("entry %d name mismatch: got %q want %q", i, gotEntries[i].hdr.Name, wantEntries[i].hdr.Name)
		}
		if gotEntries[i].hdr.Typeflag != wantEntries[i].hdr.Typeflag {
			t.Fatalf("entry %d typeflag mismatch", i)
		}
		if !bytes.Equal(gotEntries[i].data, wantEntries[i].data) {
			t.Fatalf("entry %d payload mismatch", i)
		}
	}
}

func TestEncodeRejectsPayloadOnSymlink(t *testing.T) {
	or := testRepo(t)
	ctx := context.Background()

	// tar.Writer accepts a symlink header declaring a nonzero size (it only
	// refuses the payload bytes themselves); a malformed upstream layer can
	// carry such a header, and the codec must reject it rather than
	// silently dropping or miscounting the declared bytes.
	raw := buildTar(t, func(tw *tar.Writer) {
		mustWrite(t, tw, &tar.Header{Name: "bad-link", Typeflag: tar.TypeSymlink, Linkname: "x", Size: 5}, nil)
	})

	_, err := Encode(ctx, or, bytes.NewReader(raw))
	if err == nil {
		t.Fatalf("expected malformed layer error")
	}
	if !errors.Is(err, ErrMalformedLayer) {
		t.Fatalf("expected ErrMalformedLayer, got %v", err)
	}
}

type taredEntry struct {
	hdr  *tar.Header
	data []byte
}

func readAllEntries(t *testing.T, raw []byte) []taredEntry {
	t.Helper()
	tr := tar.NewReader(bytes.NewReader(raw))
	var out []taredEntry
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		var buf bytes.Buffer
		if hdr.Size > 0 {
			if _, err := buf.ReadFrom(tr); err != nil {
				t.Fatalf("read entry %q: %v", hdr.Name, err)
			}
		}
		out = append(out, taredEntry{hdr: hdr, data: buf.Bytes()})
	}
	return out
}

func mustWrite(t *testing.T, tw *tar.Writer, hdr *tar.Header, data []byte) {
	t.Helper()
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("write header %q: %v", hdr.Name, err)
	}
	if len(data) > 0 {
		if _, err := tw.Write(data); err != nil {
			t.Fatalf("write data %q: %v", hdr.Name, err)
		}
	}
}
