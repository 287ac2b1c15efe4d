package common

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/ternarybob/arbor"
)

// LoadEnvFile exports variables from a .env file into the process environment so
// secrets such as ANTHROPIC_API_KEY can live beside the config. Variables already
// set in the environment win. A missing file is not an error.
// Format supported:
//   - KEY=value
//   - KEY="value" or KEY='value' (quotes stripped)
//   - # comments and empty lines are ignored
func LoadEnvFile(filePath string, logger arbor.ILogger) (int, error) {
	file, err := os.Open(filePath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", filePath, err)
	}
	defer file.Close()

	loaded := 0
	lineNum := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			logger.Warn().Str("file", filePath).Int("line", lineNum).Msg("Invalid line format, expected KEY=value")
			continue
		}

		value = strings.TrimSpace(value)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return loaded, fmt.Errorf("failed to set %s: %w", key, err)
		}
		loaded++
	}

	if err := scanner.Err(); err != nil {
		return loaded, fmt.Errorf("failed to read %s: %w", filePath, err)
	}

	logger.Debug().Str("file", filePath).Int("loaded", loaded).Msg("Loaded variables from .env file")
	return loaded, nil
}
