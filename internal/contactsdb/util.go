package contactsdb

import (
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// hashPath derives a short, filesystem-safe token from a database path, used
// to name the shared in-memory transient database so two Store instances
// opened against different files never collide (spec §4.C).
func hashPath(path string) string {
	h := fnv.New64a()
	h.Write([]byte(path))

	return strconv.FormatUint(h.Sum64(), 36)
}

// readDirTOML lists the *.toml manifest files directly under dir, used by
// the display-label plugin discovery path.
func readDirTOML(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []string

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}

		out = append(out, filepath.Join(dir, e.Name()))
	}

	return out, nil
}
