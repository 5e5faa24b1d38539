package utils

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
)

// UnpackTarGz extracts tarGzFile into dstFolder.
func UnpackTarGz(tarGzFile string, dstFolder string) error {
	cmd := exec.Command("tar", "-xzf", tarGzFile, "-C", dstFolder)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to unpack tar.gz file: %w: %s", err, out)
	}
	return nil
}

// IsTarGz sniffs the first bytes of file for a gzip header.
func IsTarGz(file string) bool {
	fileHandle, err := os.Open(file)
	if err != nil {
		return false
	}
	defer fileHandle.Close()

	buffer := make([]byte, 512)
	n, err := fileHandle.Read(buffer)
	if err != nil {
		return false
	}

	return http.DetectContentType(buffer[:n]) == "application/x-gzip"
}
