package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const envDvpackOutDir = "DVPACK_OUT_DIR"

// resolvePackOut picks the blob path for a spec. Without an explicit output
// the blob is named after the spec and placed in outDir, $DVPACK_OUT_DIR or
// ./out, in that order.
func resolvePackOut(specPath, outFlag, outDir string) (string, bool, error) {
	outFlag = strings.TrimSpace(outFlag)
	if outFlag != "" {
		outPath := filepath.Clean(outFlag)
		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return "", false, err
		}
		return outPath, false, nil
	}

	base := filepath.Base(filepath.Clean(specPath))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "", true, fmt.Errorf("invalid spec path: %q", specPath)
	}

	outDir = strings.TrimSpace(outDir)
	if outDir == "" {
		outDir = strings.TrimSpace(os.Getenv(envDvpackOutDir))
	}
	if outDir == "" {
		outDir = filepath.Join(".", "out")
	}

	outPath := filepath.Join(outDir, base+".dvw")
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", true, err
	}
	return outPath, true, nil
}
