package maestro

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
)

// Departments recognized by the expert registry. Unmatched goals fall into
// DeptGeneral.
const (
	DeptEngineering = "engineering"
	DeptResearch    = "research"
	DeptOperations  = "operations"
	DeptGeneral     = "general"
)

// inferDomain maps a goal onto a department. The routing category decides
// when it is specific enough; otherwise the goal's own wording does.
func inferDomain(goal string, cat Category) string {
	switch cat {
	case CategoryCoding:
		return DeptEngineering
	case CategoryInvestigate:
		return DeptResearch
	case CategoryExecution:
		return DeptOperations
	}

	lower := strings.ToLower(NormalizeText(goal))
	for _, w := range codingWords {
		if strings.Contains(lower, w) {
			return DeptEngineering
		}
	}
	for _, w := range investigateWords {
		if strings.Contains(lower, w) {
			return DeptResearch
		}
	}
	for _, w := range executionWords {
		if strings.Contains(lower, w) {
			return DeptOperations
		}
	}
	return DeptGeneral
}

// departmentFamily returns the backend family a department's work defaults
// to. Engineering and research lean on the heavy family; everything else
// stays on the fast one.
func departmentFamily(dept string) Family {
	switch strings.ToLower(dept) {
	case DeptEngineering, DeptResearch:
		return FamilyMLX
	default:
		return FamilyOllama
	}
}

// roleDomains maps role keywords onto departments, for experts whose
// department field does not match the goal's domain directly.
var roleDomains = map[string]string{
	"engineer":    DeptEngineering,
	"developer":   DeptEngineering,
	"программист": DeptEngineering,
	"разработчик": DeptEngineering,
	"architect":   DeptEngineering,
	"researcher":  DeptResearch,
	"analyst":     DeptResearch,
	"аналитик":    DeptResearch,
	"scientist":   DeptResearch,
	"devops":      DeptOperations,
	"operator":    DeptOperations,
	"sre":         DeptOperations,
	"admin":       DeptOperations,
	"инженер":     DeptEngineering,
}

func domainFit(e Expert, domain string) float64 {
	if strings.EqualFold(e.Department, domain) {
		return 1.0
	}
	for _, word := range strings.Fields(strings.ToLower(e.Role)) {
		if roleDomains[word] == domain {
			return 0.5
		}
	}
	return 0
}

// scoreExpert ranks an expert for a domain: fit dominates, current workload
// pushes down, track record pushes up.
func scoreExpert(e Expert, domain string) float64 {
	return 3*domainFit(e, domain) - 0.1*float64(e.Workload) + e.SuccessRate
}

// PickExpert returns the best-scoring expert for the domain. Ties break on
// name so repeated passes over the same registry stay deterministic. False
// when the registry is empty.
func PickExpert(experts []Expert, domain string) (Expert, bool) {
	if len(experts) == 0 {
		return Expert{}, false
	}
	best := experts[0]
	bestScore := scoreExpert(best, domain)
	for _, e := range experts[1:] {
		s := scoreExpert(e, domain)
		if s > bestScore || (s == bestScore && e.Name < best.Name) {
			best, bestScore = e, s
		}
	}
	return best, true
}

// LoadExpertSeed reads an expert registry seed from a JSONL file: one
// expert object per line, blank lines skipped.
func LoadExpertSeed(path string) ([]Expert, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("maestro: open expert seed: %w", err)
	}
	defer f.Close()

	var experts []Expert
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var e Expert
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("maestro: expert seed line %d: %w", line, err)
		}
		if e.Name == "" {
			return nil, fmt.Errorf("maestro: expert seed line %d: missing name", line)
		}
		if e.Department == "" {
			e.Department = DeptGeneral
		}
		if e.SuccessRate <= 0 {
			e.SuccessRate = 0.5
		}
		experts = append(experts, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("maestro: read expert seed: %w", err)
	}
	return experts, nil
}

// SyncExperts loads the seed file and upserts it into the registry. Rolling
// statistics on existing experts survive. An empty path is a no-op, so
// deployments without a registry file still start.
func SyncExperts(ctx context.Context, store ExpertStore, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = nopLogger
	}
	if path == "" {
		logger.Debug("no expert seed configured, registry unchanged")
		return nil
	}
	experts, err := LoadExpertSeed(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debug("expert seed not found, registry unchanged", "path", path)
			return nil
		}
		return err
	}
	if err := store.UpsertExperts(ctx, experts); err != nil {
		return fmt.Errorf("maestro: sync experts: %w", err)
	}
	logger.Info("expert registry synchronized", "experts", len(experts), "path", path)
	return nil
}
