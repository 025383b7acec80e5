package source

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const (
	mib = int64(1024 * 1024)
	gib = 1024 * mib
)

func writeTempFile(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestSliceCoversFile(t *testing.T) {
	cases := []struct {
		name       string
		fileSize   int64
		partSize   int64
		wantParts  int
		wantLastSz int64
	}{
		{"exact multiple 10GiB", 10 * gib, 128 * mib, 80, 128 * mib},
		{"remainder of one byte", 5*gib + 1, 128 * mib, 41, 1},
		{"single short part", 100, 128 * mib, 1, 100},
		{"zero byte file", 0, 128 * mib, 1, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			parts := Slice(tc.fileSize, tc.partSize)
			if got := len(parts); got != tc.wantParts {
				t.Fatalf("part count = %d, want %d", got, tc.wantParts)
			}

			var offset, total int64
			for i, part := range parts {
				if part.Number != i+1 {
					t.Errorf("part %d has number %d", i, part.Number)
				}
				if part.Offset != offset {
					t.Errorf("part %d offset = %d, want %d", part.Number, part.Offset, offset)
				}
				if i < len(parts)-1 && part.Length != tc.partSize {
					t.Errorf("non-final part %d length = %d, want %d", part.Number, part.Length, tc.partSize)
				}
				offset += part.Length
				total += part.Length
			}
			if total != tc.fileSize {
				t.Errorf("lengths sum to %d, want %d", total, tc.fileSize)
			}
			if got := parts[len(parts)-1].Length; got != tc.wantLastSz {
				t.Errorf("final part length = %d, want %d", got, tc.wantLastSz)
			}
		})
	}
}

func TestFingerprintFormat(t *testing.T) {
	modTime := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)
	got := Fingerprint(4096, modTime)
	want := "4096:1773480413589793238"
	if got != want {
		t.Errorf("Fingerprint = %q, want %q", got, want)
	}

	// Timezone must not change the identity
	local := modTime.In(time.FixedZone("X", -5*3600))
	if Fingerprint(4096, local) != want {
		t.Errorf("fingerprint differs across timezones")
	}
}

func TestLockAndReadAt(t *testing.T) {
	path := writeTempFile(t, 1024)

	r, err := Lock(path)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer r.Release()

	if r.Size() != 1024 {
		t.Errorf("Size = %d, want 1024", r.Size())
	}
	if r.Name() != "payload.bin" {
		t.Errorf("Name = %q, want payload.bin", r.Name())
	}

	got, err := r.ReadAt(256, 128)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	want := make([]byte, 128)
	for i := range want {
		want[i] = byte((256 + i) % 251)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("ReadAt returned wrong bytes")
	}
}

func TestReadAtShortAtEOF(t *testing.T) {
	path := writeTempFile(t, 100)

	r, err := Lock(path)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer r.Release()

	got, err := r.ReadAt(90, 64)
	if err != nil {
		t.Fatalf("ReadAt past EOF: %v", err)
	}
	if len(got) != 10 {
		t.Errorf("short read returned %d bytes, want 10", len(got))
	}
}

func TestLockMissingFile(t *testing.T) {
	_, err := Lock(filepath.Join(t.TempDir(), "absent.bin"))
	if !errors.Is(err, ErrFileLock) {
		t.Errorf("Lock on missing file = %v, want ErrFileLock", err)
	}
}

func TestLockDirectory(t *testing.T) {
	_, err := Lock(t.TempDir())
	if !errors.Is(err, ErrFileLock) {
		t.Errorf("Lock on directory = %v, want ErrFileLock", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	path := writeTempFile(t, 10)
	r, err := Lock(path)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := r.Release(); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := r.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}
