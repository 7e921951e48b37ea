package routing

import (
	"fmt"
	"os"

	"dc-recover/internal/record"

	"gopkg.in/yaml.v3"
)

// fixtureFile is the on-disk shape of a routes.yaml fixture used by
// `dc-recover simulate` and by tests that want a routing table without
// standing up a real cluster.
type fixtureFile struct {
	Ranges []fixtureRange `yaml:"ranges"`
}

type fixtureRange struct {
	Lo      string                  `yaml:"lo"`
	Hi      string                  `yaml:"hi"`
	Address map[uint32]fixtureGroup `yaml:"address"`
}

type fixtureGroup struct {
	Address string `yaml:"address"`
	EID     uint64 `yaml:"eid"`
}

// LoadStaticTable reads a YAML routing fixture from path and builds a
// StaticTable from it.
func LoadStaticTable(path string) (*StaticTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("routing: read fixture %s: %w", path, err)
	}

	var f fixtureFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("routing: parse fixture %s: %w", path, err)
	}

	ranges := make([]Range, 0, len(f.Ranges))
	for _, fr := range f.Ranges {
		lo, err := parseKey(fr.Lo)
		if err != nil {
			return nil, fmt.Errorf("routing: range %q-%q: %w", fr.Lo, fr.Hi, err)
		}
		hi, err := parseKey(fr.Hi)
		if err != nil {
			return nil, fmt.Errorf("routing: range %q-%q: %w", fr.Lo, fr.Hi, err)
		}

		addr := make(map[uint32]GroupAddress, len(fr.Address))
		for groupID, g := range fr.Address {
			addr[groupID] = GroupAddress{
				EID:     record.EID{GroupID: groupID, Value: g.EID},
				Address: g.Address,
			}
		}

		ranges = append(ranges, Range{
			IDRange: record.KeyRange{Lo: lo, Hi: hi},
			Address: addr,
		})
	}

	return NewStaticTable(ranges), nil
}

// parseKey decodes a hex-encoded key prefix, right-padding with zero bytes,
// so short, readable fixture values like "00" or "80" are valid range
// bounds without spelling out all 32 bytes.
func parseKey(hexStr string) (record.Key, error) {
	var k record.Key
	if hexStr == "" {
		return k, nil
	}
	if hexStr == "max" {
		for i := range k {
			k[i] = 0xff
		}
		return k, nil
	}
	if len(hexStr)%2 != 0 {
		hexStr = "0" + hexStr
	}
	n := len(hexStr) / 2
	if n > record.KeySize {
		return k, fmt.Errorf("key %q longer than %d bytes", hexStr, record.KeySize)
	}
	for i := 0; i < n; i++ {
		var b byte
		if _, err := fmt.Sscanf(hexStr[i*2:i*2+2], "%02x", &b); err != nil {
			return k, fmt.Errorf("invalid hex key %q: %w", hexStr, err)
		}
		k[i] = b
	}
	return k, nil
}
