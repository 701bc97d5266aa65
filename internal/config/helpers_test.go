package config

import "os"

func writeRaw(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o644)
}
