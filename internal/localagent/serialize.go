package localagent

import (
	"encoding/json"

	"github.com/steepcluster/steep/internal/domain"
)

func unmarshalChain(payload []byte, pc *domain.ProcessChain) error {
	return json.Unmarshal(payload, pc)
}

func marshalResults(results map[string][]string) ([]byte, error) {
	return json.Marshal(results)
}
