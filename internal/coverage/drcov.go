package coverage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	moduleTableMarker = "Module Table"
	bbTableMarker     = "BB Table"

	// each basic block record is {u64 start, u32 size, u32 module id}, little endian
	bbRecordSize = 16
)

// Extract parses the drcov log at path. Only an error opening the file is
// reported; malformed or truncated logs yield whatever could be recovered.
func Extract(path, module string) (Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return NewSet(), fmt.Errorf("failed to open coverage log: %w", err)
	}
	defer f.Close()
	return Parse(f, module), nil
}

// Parse reads a drcov log and returns the addresses of the executed basic
// blocks. When module is not empty, only blocks of the module whose path ends
// with it are kept; if no such module is listed every block is kept.
func Parse(r io.Reader, module string) Set {
	result := NewSet()
	br := bufio.NewReader(r)

	if !skipUntil(br, moduleTableMarker) {
		return result
	}
	// column header line
	if _, err := br.ReadBytes('\n'); err != nil {
		return result
	}

	moduleId, filtered := -1, false
	var header string
	for {
		line, err := readLine(br)
		if err != nil && line == "" {
			return result
		}
		if strings.HasPrefix(line, bbTableMarker) {
			header = line
			break
		}
		if module == "" {
			continue
		}
		if id, path, ok := parseModuleRow(line); ok && strings.HasSuffix(path, module) {
			moduleId, filtered = id, true
		}
	}

	total, ok := recordCount(header)
	if !ok {
		return result
	}

	record := make([]byte, bbRecordSize)
	for range total {
		if _, err := io.ReadFull(br, record); err != nil {
			break
		}
		addr := binary.LittleEndian.Uint64(record[0:8])
		mid := binary.LittleEndian.Uint32(record[12:16])
		if !filtered || int(mid) == moduleId {
			result.Add(Location(addr))
		}
	}
	return result
}

// skipUntil consumes lines up to and including the first one starting with marker.
func skipUntil(br *bufio.Reader, marker string) bool {
	for {
		line, err := readLine(br)
		if strings.HasPrefix(line, marker) {
			return true
		}
		if err != nil {
			return false
		}
	}
}

func readLine(br *bufio.Reader) (string, error) {
	raw, err := br.ReadBytes('\n')
	return string(bytes.TrimRight(raw, "\r\n")), err
}

// parseModuleRow splits "id, base, end, entry, checksum, timestamp, path".
func parseModuleRow(line string) (int, string, bool) {
	parts := strings.SplitN(line, ",", 7)
	if len(parts) < 7 {
		return 0, "", false
	}
	id, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, "", false
	}
	return id, strings.TrimSpace(parts[6]), true
}

// recordCount reads N from a "BB Table: N bbs" header.
func recordCount(header string) (int, bool) {
	fields := strings.Fields(header)
	if len(fields) < 3 {
		return 0, false
	}
	n, err := strconv.Atoi(fields[2])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// ErrNoLog is returned by LatestLog when the directory holds no log file.
var ErrNoLog = errors.New("no coverage log produced")

// LatestLog returns the most recently modified regular file in dir.
func LatestLog(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read coverage log dir: %w", err)
	}

	var latest string
	var latestInfo os.FileInfo
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if latestInfo == nil || info.ModTime().After(latestInfo.ModTime()) {
			latest, latestInfo = filepath.Join(dir, entry.Name()), info
		}
	}
	if latest == "" {
		return "", ErrNoLog
	}
	return latest, nil
}

// PurgeLogs removes every regular file in dir, creating dir if needed.
func PurgeLogs(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create coverage log dir: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read coverage log dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale coverage log: %w", err)
		}
	}
	return nil
}
