package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "embed"

	"gopkg.in/yaml.v3"
)

// Resolution 描述一个名义周期：catalog 启动时加载一次，之后只读。
type Resolution struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Category       string        `json:"category"` // seconds/minutes/hours/days/months/years
	Step           time.Duration `json:"length_seconds"`
	SourceInterval string        `json:"-"` // 平台原生 interval 写法（如 Binance 的 "1d"）
}

// StepMillis 返回名义步长毫秒数。
func (r Resolution) StepMillis() int64 { return r.Step.Milliseconds() }

//go:embed resolutions.yaml
var resolutionsYAML []byte

type resolutionEntry struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	Category       string `yaml:"category"`
	Step           string `yaml:"step"`
	SourceInterval string `yaml:"source_interval"`
}

var (
	catalogOnce sync.Once
	catalogs    map[string][]Resolution
	catalogErr  error
)

func loadCatalogs() {
	raw := map[string][]resolutionEntry{}
	if err := yaml.Unmarshal(resolutionsYAML, &raw); err != nil {
		catalogErr = fmt.Errorf("parsing resolutions.yaml failed: %w", err)
		return
	}
	catalogs = make(map[string][]Resolution, len(raw))
	for platform, entries := range raw {
		list := make([]Resolution, 0, len(entries))
		for _, e := range entries {
			step, err := time.ParseDuration(e.Step)
			if err != nil {
				catalogErr = fmt.Errorf("resolutions.yaml: %s/%s bad step %q: %w", platform, e.ID, e.Step, err)
				return
			}
			list = append(list, Resolution{
				ID:             e.ID,
				Name:           e.Name,
				Category:       e.Category,
				Step:           step,
				SourceInterval: e.SourceInterval,
			})
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Step < list[j].Step })
		catalogs[strings.ToLower(platform)] = list
	}
}

// Catalog 返回指定平台的周期表（按步长升序）。
func Catalog(platform string) ([]Resolution, error) {
	catalogOnce.Do(loadCatalogs)
	if catalogErr != nil {
		return nil, catalogErr
	}
	list, ok := catalogs[strings.ToLower(strings.TrimSpace(platform))]
	if !ok {
		return nil, fmt.Errorf("no resolution catalog for platform: %s", platform)
	}
	return list, nil
}

// catalogIndex 构建大小写不敏感的 id 索引。
func catalogIndex(list []Resolution) map[string]Resolution {
	idx := make(map[string]Resolution, len(list))
	for _, r := range list {
		idx[strings.ToUpper(r.ID)] = r
	}
	return idx
}

func lookup(idx map[string]Resolution, id string) (Resolution, bool) {
	r, ok := idx[strings.ToUpper(strings.TrimSpace(id))]
	return r, ok
}
