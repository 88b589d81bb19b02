package dataset

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
)

// LoadLabels reads whitespace separated 0/1 labels, one per test cuboid.
func LoadLabels(path string) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open labels: %w", err)
	}
	defer f.Close()

	var labels []int
	s := bufio.NewScanner(f)
	s.Split(bufio.ScanWords)
	for s.Scan() {
		v, err := strconv.Atoi(s.Text())
		if err != nil {
			return nil, fmt.Errorf("label %d: %w", len(labels), err)
		}
		if v != 0 && v != 1 {
			return nil, fmt.Errorf("label %d: expected 0 or 1, got %d", len(labels), v)
		}
		labels = append(labels, v)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	return labels, nil
}
