package supervisor

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/ward/pkg/types"
)

var hashNamePattern = regexp.MustCompile(`^#.*#$`)

// ignored reports whether a directory entry name should be skipped
// entirely: anything containing a
// dot, ending in '~', or matching '#...#'.
func ignored(name string) bool {
	if strings.Contains(name, ".") {
		return true
	}
	if strings.HasSuffix(name, "~") {
		return true
	}
	if hashNamePattern.MatchString(name) {
		return true
	}
	return false
}

// splitPriority parses an optional "NN-" prefix, returning
// the priority (-1 if absent) and the remaining name.
func splitPriority(name string) (int, string) {
	if len(name) >= 3 && name[2] == '-' {
		if n, err := strconv.Atoi(name[:2]); err == nil {
			return n, name[3:]
		}
	}
	return -1, name
}

var scriptNames = []string{"start", "stop", "status", "promote", "demote", "failed"}

// Discover scans folder for service entries: either a directory carrying
// any subset of the named scripts (plus an optional "disabled" sentinel)
// or a single executable file treated as a single-script service that
// receives the event name as argv[1].
func Discover(folder string) ([]*Service, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, err
	}

	var services []*Service
	for _, entry := range entries {
		if ignored(entry.Name()) {
			continue
		}
		priority, name := splitPriority(entry.Name())
		full := filepath.Join(folder, entry.Name())

		svc := &Service{Name: name, Priority: priority, Path: full, State: types.SvcStopped}
		if entry.IsDir() {
			svc.Scripts = make(map[string]string)
			for _, s := range scriptNames {
				candidate := filepath.Join(full, s)
				if info, err := os.Stat(candidate); err == nil && isExecutable(info) {
					svc.Scripts[s] = candidate
				}
			}
			if _, err := os.Stat(filepath.Join(full, "disabled")); err == nil {
				svc.Disabled = true
			}
		} else {
			info, err := entry.Info()
			if err != nil || !isExecutable(info) {
				continue
			}
			svc.SingleScript = true
		}
		services = append(services, svc)
	}

	sort.SliceStable(services, func(i, j int) bool {
		return services[i].Name < services[j].Name
	})
	return services, nil
}

func isExecutable(info os.FileInfo) bool {
	return !info.IsDir() && info.Mode()&0o111 != 0
}
