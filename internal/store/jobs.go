package store

import (
	"encoding/json"
	"fmt"

	"github.com/szaher/convmem/internal/compaction"
)

func encodeJob(rec compaction.JobRecord) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	return string(data), nil
}

func decodeJob(data []byte) (compaction.JobRecord, error) {
	var rec compaction.JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return compaction.JobRecord{}, fmt.Errorf("decode job: %w", err)
	}
	return rec, nil
}
