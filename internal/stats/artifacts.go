package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"revsynth/internal/search"
)

const runIndexFile = "run_index.json"

type RunConfig struct {
	RunID     string `json:"run_id"`
	SBox      []int  `json:"sbox"`
	MaxDepth  int    `json:"max_depth"`
	Threads   int    `json:"threads"`
	Workers   int    `json:"workers"`
	BatchSize int    `json:"batch_size"`
	Store     string `json:"store"`
	DBPath    string `json:"db_path,omitempty"`
	Fresh     bool   `json:"fresh,omitempty"`
}

type RunArtifacts struct {
	Config RunConfig     `json:"config"`
	Result search.Result `json:"result"`
}

type RunIndexEntry struct {
	RunID        string         `json:"run_id"`
	SBox         []int          `json:"sbox"`
	MaxDepth     int            `json:"max_depth"`
	Store        string         `json:"store"`
	Outcome      search.Outcome `json:"outcome"`
	Cost         float64        `json:"ge"`
	Rounds       int            `json:"rounds"`
	CreatedAtUTC string         `json:"created_at_utc"`
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, "config.json"), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "rounds.json"), artifacts.Result.History); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "result.json"), artifacts.Result); err != nil {
		return "", err
	}
	if err := writeRoundSeries(filepath.Join(runDir, "rounds.csv"), artifacts.Result.History); err != nil {
		return "", err
	}

	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{"config.json", "rounds.json", "result.json"} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	seriesPath := filepath.Join(src, "rounds.csv")
	if _, err := os.Stat(seriesPath); err == nil {
		if err := copyFile(seriesPath, filepath.Join(dst, "rounds.csv")); err != nil {
			return "", err
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, "config.json"), &cfg)
	return cfg, ok, err
}

func ReadResult(baseDir, runID string) (search.Result, bool, error) {
	var res search.Result
	ok, err := readJSON(filepath.Join(baseDir, runID, "result.json"), &res)
	return res, ok, err
}

// ReadRoundSeries returns the per-round frontier sizes written to
// rounds.csv as forward, backward pairs.
func ReadRoundSeries(baseDir, runID string) ([][2]int, bool, error) {
	path := filepath.Join(baseDir, runID, "rounds.csv")
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return [][2]int{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 3 {
		return nil, false, fmt.Errorf("round series header must have at least 3 columns")
	}

	series := make([][2]int, 0, 16)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		if len(record) < 3 {
			return nil, false, fmt.Errorf("round series row must have at least 3 columns")
		}
		fwd, err := strconv.Atoi(record[1])
		if err != nil {
			return nil, false, err
		}
		bwd, err := strconv.Atoi(record[2])
		if err != nil {
			return nil, false, err
		}
		series = append(series, [2]int{fwd, bwd})
	}
	return series, true, nil
}

func writeRoundSeries(path string, rounds []search.RoundStats) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"round", "forward_frontier", "backward_frontier", "forward_duplicates", "backward_duplicates", "elapsed_ms"}); err != nil {
		return err
	}
	for _, r := range rounds {
		if err := writer.Write([]string{
			strconv.Itoa(r.Round),
			strconv.Itoa(r.Forward.Frontier),
			strconv.Itoa(r.Backward.Frontier),
			strconv.Itoa(r.Forward.Duplicates),
			strconv.Itoa(r.Backward.Duplicates),
			strconv.FormatInt(r.Elapsed.Milliseconds(), 10),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func readJSON(path string, value any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

