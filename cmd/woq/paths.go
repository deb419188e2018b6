package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samcharles93/woq/internal/store"
)

const (
	envWoqPackOutDir = "WOQ_PACK_OUT_DIR"
	envWoqWeightsDir = "WOQ_WEIGHTS_DIR"
)

// layerName derives a layer name from a tensor name: the ".weight" suffix
// is dropped.
func layerName(tensor string) string {
	return strings.TrimSuffix(strings.TrimSpace(tensor), ".weight")
}

// resolvePackOut picks the output path of a pack. An explicit flag wins;
// otherwise the file lands in $WOQ_PACK_OUT_DIR (default ./out) named after
// the layer. The parent directory is created.
func resolvePackOut(name, outFlag string) (string, bool, error) {
	outFlag = strings.TrimSpace(outFlag)
	if outFlag != "" {
		outPath := filepath.Clean(outFlag)
		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return "", false, err
		}
		return outPath, false, nil
	}

	if name == "" || strings.ContainsRune(name, filepath.Separator) {
		return "", true, fmt.Errorf("invalid layer name: %q", name)
	}
	outDir := strings.TrimSpace(os.Getenv(envWoqPackOutDir))
	if outDir == "" {
		outDir = filepath.Join(".", "out")
	}
	outPath := filepath.Join(outDir, name+store.Ext)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", true, err
	}
	return outPath, true, nil
}

// resolveWeightsDir picks the directory served by the serve command: the
// flag, then $WOQ_WEIGHTS_DIR, then the config file.
func resolveWeightsDir(flag, configured string) (string, error) {
	for _, dir := range []string{flag, os.Getenv(envWoqWeightsDir), configured} {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		st, err := os.Stat(dir)
		if err != nil {
			return "", err
		}
		if !st.IsDir() {
			return "", fmt.Errorf("weights path is not a directory: %s", dir)
		}
		return dir, nil
	}
	return "", errors.New("--weights-dir is required unless " + envWoqWeightsDir + " or weights_dir in the config file is set")
}

// pickBlock returns want if it is set, otherwise the largest of 64, 32 and
// 16 dividing dim.
func pickBlock(want, dim int) (int, error) {
	if want > 0 {
		return want, nil
	}
	for _, b := range []int{64, 32, 16} {
		if dim%b == 0 {
			return b, nil
		}
	}
	return 0, fmt.Errorf("dimension %d is not a multiple of 16; use --plain", dim)
}
