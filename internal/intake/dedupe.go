package intake

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/aristath/ambari-agent/internal/scheduler"
)

// Deduper drops commands whose (cluster, task ID) was seen recently. Batch
// delivery is at-least-once, so a redelivered file must not run twice.
// Status probes are never de-duplicated.
type Deduper struct {
	cache *lru.Cache
}

// NewDeduper remembers the last size task keys. A size of 0 disables
// de-duplication.
func NewDeduper(size int) (*Deduper, error) {
	if size <= 0 {
		return &Deduper{}, nil
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Deduper{cache: cache}, nil
}

func dedupeKey(cmd scheduler.Command) string {
	return cmd.ClusterID + "/" + cmd.TaskID
}

// Filter returns the commands not seen before and the number dropped.
// Every returned command is remembered.
func (d *Deduper) Filter(commands []scheduler.Command) ([]scheduler.Command, int) {
	if d == nil || d.cache == nil {
		return commands, 0
	}
	kept := commands[:0:0]
	dropped := 0
	for _, cmd := range commands {
		if cmd.IsStatus() {
			kept = append(kept, cmd)
			continue
		}
		if seen, _ := d.cache.ContainsOrAdd(dedupeKey(cmd), struct{}{}); seen {
			dropped++
			continue
		}
		kept = append(kept, cmd)
	}
	return kept, dropped
}

// Len returns the number of remembered task keys.
func (d *Deduper) Len() int {
	if d == nil || d.cache == nil {
		return 0
	}
	return d.cache.Len()
}
