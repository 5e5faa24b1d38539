package coverage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bb struct {
	addr   uint64
	module uint32
}

func buildLog(modules []string, blocks []bb, declared int) []byte {
	var buf bytes.Buffer
	buf.WriteString("DRCOV VERSION: 2\n")
	buf.WriteString("DRCOV FLAVOR: drcov\n")
	fmt.Fprintf(&buf, "Module Table: version 2, count %d\n", len(modules))
	buf.WriteString("Columns: id, base, end, entry, checksum, timestamp, path\n")
	for i, path := range modules {
		fmt.Fprintf(&buf, "%3d, 0x00007f0000000000, 0x00007f0000100000, 0x0000000000000000, 0x00000000, 0x00000000, %s\n", i, path)
	}
	fmt.Fprintf(&buf, "BB Table: %d bbs\n", declared)
	record := make([]byte, bbRecordSize)
	for _, b := range blocks {
		binary.LittleEndian.PutUint64(record[0:8], b.addr)
		binary.LittleEndian.PutUint32(record[8:12], 4)
		binary.LittleEndian.PutUint32(record[12:16], b.module)
		buf.Write(record)
	}
	return buf.Bytes()
}

var testModules = []string{
	"/usr/lib/x86_64-linux-gnu/libc.so.6",
	"/usr/local/bin/pdfinfovul",
	"/usr/lib/x86_64-linux-gnu/libpoppler.so.126",
}

func TestParseWithoutFilter(t *testing.T) {
	blocks := []bb{{0x1000, 0}, {0x2000, 1}, {0x3000, 2}, {0x4000, 1}}
	got := Parse(bytes.NewReader(buildLog(testModules, blocks, len(blocks))), "")
	assert.Equal(t, NewSet(0x1000, 0x2000, 0x3000, 0x4000), got)
}

func TestParseFiltersTargetModule(t *testing.T) {
	blocks := []bb{{0x1000, 0}, {0x2000, 1}, {0x3000, 2}, {0x4000, 1}, {0x2000, 0}}
	got := Parse(bytes.NewReader(buildLog(testModules, blocks, len(blocks))), "pdfinfovul")
	assert.Equal(t, NewSet(0x2000, 0x4000), got)
}

func TestParseUnknownModuleKeepsEverything(t *testing.T) {
	blocks := []bb{{0x1000, 0}, {0x2000, 1}}
	got := Parse(bytes.NewReader(buildLog(testModules, blocks, len(blocks))), "not-loaded")
	assert.Equal(t, 2, got.Len())
}

func TestParseSizeBoundedByRecordCount(t *testing.T) {
	var blocks []bb
	for i := range 64 {
		blocks = append(blocks, bb{uint64(0x400000 + i*16), uint32(i % 3)})
	}
	log := buildLog(testModules, blocks, len(blocks))

	all := Parse(bytes.NewReader(log), "")
	assert.Equal(t, len(blocks), all.Len())

	filtered := Parse(bytes.NewReader(log), "libpoppler.so.126")
	assert.LessOrEqual(t, filtered.Len(), len(blocks))
	assert.Equal(t, 21, filtered.Len())
}

func TestParseZeroRecords(t *testing.T) {
	got := Parse(bytes.NewReader(buildLog(testModules, nil, 0)), "pdfinfovul")
	assert.Equal(t, 0, got.Len())
}

func TestParseTruncatedLog(t *testing.T) {
	blocks := []bb{{0x10, 1}, {0x20, 1}, {0x30, 1}}
	log := buildLog(testModules, blocks, 10)
	log = log[:len(log)-5] // cut into the last record

	got := Parse(bytes.NewReader(log), "")
	assert.Equal(t, NewSet(0x10, 0x20), got)
}

func TestParseMalformedLogs(t *testing.T) {
	cases := map[string]string{
		"empty":               "",
		"no module table":     "DRCOV VERSION: 2\nsomething else\n",
		"no bb table":         "Module Table: version 2, count 1\nColumns: id\n  0, 0, 0, 0, 0, 0, /bin/x\n",
		"missing count":       "Module Table: version 2, count 0\nColumns: id\nBB Table:\n",
		"non numeric count":   "Module Table: version 2, count 0\nColumns: id\nBB Table: many bbs\n",
		"header only":         "Module Table: version 2, count 0\n",
		"garbage module rows": "Module Table: v\nColumns\nnot,a,row\nBB Table: 0 bbs\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, 0, Parse(bytes.NewReader([]byte(content)), "x").Len())
		})
	}
}

func TestParseCRLFLines(t *testing.T) {
	log := "Module Table: version 2, count 1\r\n" +
		"Columns: id, base, end, entry, checksum, timestamp, path\r\n" +
		"  0, 0x0, 0x0, 0x0, 0x0, 0x0, C:\\target\\pdfinfovul\r\n" +
		"BB Table: 1 bbs\r\n"
	record := make([]byte, bbRecordSize)
	binary.LittleEndian.PutUint64(record, 0xdead)
	got := Parse(bytes.NewReader(append([]byte(log), record...)), "pdfinfovul")
	assert.Equal(t, NewSet(0xdead), got)
}

func TestExtractMissingFile(t *testing.T) {
	set, err := Extract(filepath.Join(t.TempDir(), "missing.log"), "")
	assert.Error(t, err)
	assert.Equal(t, 0, set.Len())
}

func TestExtractFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drcov.pdfinfovul.1234.0000.proc.log")
	require.NoError(t, os.WriteFile(path, buildLog(testModules, []bb{{0x42, 1}}, 1), 0644))

	set, err := Extract(path, "pdfinfovul")
	require.NoError(t, err)
	assert.Equal(t, NewSet(0x42), set)
}

func TestLatestLogAndPurge(t *testing.T) {
	dir := t.TempDir()
	_, err := LatestLog(dir)
	assert.ErrorIs(t, err, ErrNoLog)

	older := filepath.Join(dir, "drcov.a.1.log")
	newer := filepath.Join(dir, "drcov.a.2.log")
	require.NoError(t, os.WriteFile(older, []byte("old"), 0644))
	require.NoError(t, os.WriteFile(newer, []byte("new"), 0644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0755))

	latest, err := LatestLog(dir)
	require.NoError(t, err)
	assert.Equal(t, newer, latest)

	require.NoError(t, PurgeLogs(dir))
	_, err = LatestLog(dir)
	assert.ErrorIs(t, err, ErrNoLog)

	fresh := filepath.Join(t.TempDir(), "nested", "logs")
	require.NoError(t, PurgeLogs(fresh))
	assert.DirExists(t, fresh)
}
