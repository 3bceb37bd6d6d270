package smb

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScanDepthBound(t *testing.T) {
	var fs = newFakeFS()
	fs.addFile("root/l1.txt", []byte("x"), time.Now())
	fs.addFile("root/a/l2.txt", []byte("x"), time.Now())
	fs.addFile("root/a/b/l3.txt", []byte("x"), time.Now())
	fs.addFile("root/a/b/c/l4.txt", []byte("x"), time.Now())

	var conn = &fakeConn{fs: fs}
	var result, err = Scan(context.Background(), conn, "root", ScanOptions{MaxDepth: 2, MaxFiles: 100})
	require.NoError(t, err)

	var names []string
	for _, f := range result.Files {
		names = append(names, f.Name)
	}
	require.ElementsMatch(t, []string{"l1.txt", "l2.txt"}, names)
	require.True(t, result.Truncated, "declining to descend sets truncated")

	// A deep enough budget sees everything and is not truncated.
	result, err = Scan(context.Background(), conn, "root", ScanOptions{MaxDepth: 10, MaxFiles: 100})
	require.NoError(t, err)
	require.Len(t, result.Files, 4)
	require.False(t, result.Truncated)
	require.Len(t, result.Directories, 3)
}

func TestScanFileCap(t *testing.T) {
	var fs = newFakeFS()
	for i := 0; i < 20; i++ {
		fs.addFile(fmt.Sprintf("root/f%02d.txt", i), []byte("x"), time.Now())
	}
	var result, err = Scan(context.Background(), &fakeConn{fs: fs}, "root", ScanOptions{MaxDepth: 3, MaxFiles: 5})
	require.NoError(t, err)
	require.Len(t, result.Files, 5)
	require.True(t, result.Truncated)
}

func TestScanFilters(t *testing.T) {
	var fs = newFakeFS()
	var old = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	var recent = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	fs.addFile("root/DUPONT_scan.dcm", []byte("x"), recent)
	fs.addFile("root/MARTIN_scan.dcm", []byte("x"), old)
	fs.addFile("root/DUPONT_notes.txt", []byte("x"), recent)

	var result, err = Scan(context.Background(), &fakeConn{fs: fs}, "root", ScanOptions{
		FilePattern:   regexp.MustCompile(`^DUPONT_`),
		Extensions:    []string{".DCM"},
		ModifiedAfter: time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, result.Files, 1)
	require.Equal(t, "DUPONT_scan.dcm", result.Files[0].Name)
	require.True(t, result.Files[0].IsDICOM)
}

func TestScanSkipsUnreadableSubtrees(t *testing.T) {
	var fs = newFakeFS()
	fs.addFile("root/ok/a.txt", []byte("x"), time.Now())
	fs.addFile("root/bad/b.txt", []byte("x"), time.Now())
	fs.failReadDir["root/bad"] = fmt.Errorf("ACCESS_DENIED")

	var result, err = Scan(context.Background(), &fakeConn{fs: fs}, "root", ScanOptions{})
	require.NoError(t, err)
	require.Len(t, result.Files, 1)
	require.Equal(t, "a.txt", result.Files[0].Name)
	// Both subdirectories are still reported as directories.
	require.Len(t, result.Directories, 2)
}

func TestScanUnreadableBaseFails(t *testing.T) {
	var _, err = Scan(context.Background(), &fakeConn{fs: newFakeFS()}, "missing", ScanOptions{})
	require.Error(t, err)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestScanHonorsCancellation(t *testing.T) {
	var fs = newFakeFS()
	fs.addFile("root/a.txt", []byte("x"), time.Now())
	var ctx, cancel = context.WithCancel(context.Background())
	cancel()

	var _, err = Scan(ctx, &fakeConn{fs: fs}, "root", ScanOptions{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestPathNormalization(t *testing.T) {
	require.Equal(t, "a/b/c", NormalizePOSIX(`\a\b\c`))
	require.Equal(t, "a/b", NormalizePOSIX("/a//b/"))
	require.Equal(t, `a\b`, ToWire("/a/b"))
	require.Equal(t, "exports/scan.dcm", JoinPOSIX("exports", "./scan.dcm"))
	require.Equal(t, "", NormalizePOSIX("/"))
}
