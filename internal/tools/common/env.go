package common

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
)

// LoadEnvFile sets KEY=VALUE pairs from path without overriding variables
// already present in the environment. A missing file is not an error.
func LoadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open env file: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if err := os.Setenv(key, value); err != nil {
			continue
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read env file: %w", err)
	}
	return nil
}

// PrintCIResult writes a plain, grep-friendly summary for --ci runs.
func PrintCIResult(ok bool, title string, details []string, err error) {
	FprintCIResult(os.Stdout, ok, title, details, err)
}

func FprintCIResult(w io.Writer, ok bool, title string, details []string, err error) {
	status := "PASS"
	if !ok {
		status = "FAIL"
	}
	fmt.Fprintf(w, "[%s] %s\n", status, title)
	for _, d := range details {
		fmt.Fprintf(w, "  - %s\n", d)
	}
	if err != nil {
		fmt.Fprintf(w, "  error: %v\n", err)
	}
}
