package layercodec

import (
	"archive/tar"
	"bytes"
	"fmt"
	"strconv"
)

// blockSize is the fixed USTAR header block size the split-stream format
// requires every header frame to be exactly — spec invariant: "Header is
// always exactly 512 bytes."
const blockSize = 512

// encodeHeader renders hdr as a single 512-byte USTAR header block. Only the
// fields the assembler/exporter round-trip care about are populated; this is
// intentionally a subset of full USTAR (no GNU long-name extensions) since
// every name this codec handles comes from already-valid OCI layer tars.
func encodeHeader(hdr *tar.Header) ([blockSize]byte, error) {
	var b [blockSize]byte
	if len(hdr.Name) > 100 {
		return b, fmt.Errorf("encode header: name %q exceeds USTAR 100-byte limit", hdr.Name)
	}
	if len(hdr.Linkname) > 100 {
		return b, fmt.Errorf("encode header: linkname %q exceeds USTAR 100-byte limit", hdr.Linkname)
	}

	copy(b[0:100], hdr.Name)
	putOctal(b[100:108], int64(hdr.Mode))
	putOctal(b[108:116], int64(hdr.Uid))
	putOctal(b[116:124], int64(hdr.Gid))
	putOctal(b[124:136], hdr.Size)
	putOctal(b[136:148], hdr.ModTime.Unix())
	// checksum field [148:156] filled in after the rest is written, per USTAR.
	b[156] = hdr.Typeflag
	copy(b[157:257], hdr.Linkname)
	copy(b[257:263], "ustar\x00")
	copy(b[263:265], "00")

	for i := range b[148:156] {
		b[148+i] = ' '
	}
	var sum int64
	for _, c := range b {
		sum += int64(c)
	}
	putOctal(b[148:155], sum)
	b[155] = 0

	return b, nil
}

func decodeHeader(b [blockSize]byte) (*tar.Header, error) {
	if isZeroBlock(b) {
		return nil, errEndOfArchive
	}
	name := cString(b[0:100])
	mode, err := getOctal(b[100:108])
	if err != nil {
		return nil, fmt.Errorf("decode header: mode: %w", err)
	}
	uid, err := getOctal(b[108:116])
	if err != nil {
		return nil, fmt.Errorf("decode header: uid: %w", err)
	}
	gid, err := getOctal(b[116:124])
	if err != nil {
		return nil, fmt.Errorf("decode header: gid: %w", err)
	}
	size, err := getOctal(b[124:136])
	if err != nil {
		return nil, fmt.Errorf("decode header: size: %w", err)
	}
	mtime, err := getOctal(b[136:148])
	if err != nil {
		return nil, fmt.Errorf("decode header: mtime: %w", err)
	}
	typeflag := b[156]
	linkname := cString(b[157:257])

	return &tar.Header{
		Name:     name,
		Mode:     mode,
		Uid:      int(uid),
		Gid:      int(gid),
		Size:     size,
		ModTime:  unixTime(mtime),
		Typeflag: typeflag,
		Linkname: linkname,
	}, nil
}

var errEndOfArchive = fmt.Errorf("layercodec: end of archive marker")

func isZeroBlock(b [blockSize]byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func putOctal(b []byte, v int64) {
	s := strconv.FormatInt(v, 8)
	if len(s) > len(b)-1 {
		s = s[len(s)-(len(b)-1):]
	}
	for i := range b {
		b[i] = ' '
	}
	copy(b[len(b)-1-len(s):len(b)-1], s)
	b[len(b)-1] = 0
}

func getOctal(b []byte) (int64, error) {
	s := cString(b)
	s = trimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 8, 64)
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == 0) {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == 0) {
		end--
	}
	return s[start:end]
}
