package backends

import (
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/atlassian/statsdaemon"
	"github.com/atlassian/statsdaemon/pkg/backends/cloudwatch"
	"github.com/atlassian/statsdaemon/pkg/backends/graphite"
	"github.com/atlassian/statsdaemon/pkg/backends/null"
	"github.com/atlassian/statsdaemon/pkg/backends/redis"
	"github.com/atlassian/statsdaemon/pkg/backends/repeater"
	"github.com/atlassian/statsdaemon/pkg/backends/stdout"
)

// All known backends.
var backends = map[string]statsdaemon.BackendFactory{
	cloudwatch.BackendName: cloudwatch.NewClientFromViper,
	graphite.BackendName:   graphite.NewClientFromViper,
	null.BackendName:       null.NewClientFromViper,
	redis.BackendName:      redis.NewClientFromViper,
	repeater.BackendName:   repeater.NewClientFromViper,
	stdout.BackendName:     stdout.NewClientFromViper,
}

// Names returns the names of all known backends, sorted.
func Names() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetBackend creates an instance of the named backend, or nil if
// the name is not known. The error return is only used if the named backend
// was known but failed to initialize.
func GetBackend(name string, v *viper.Viper, startup time.Time, logger logrus.FieldLogger) (statsdaemon.Backend, error) {
	f, found := backends[name]
	if !found {
		return nil, nil
	}
	return f(v, startup, logger)
}

// InitBackend creates an instance of the named backend.
func InitBackend(name string, v *viper.Viper, startup time.Time, logger logrus.FieldLogger) (statsdaemon.Backend, error) {
	backend, err := GetBackend(name, v, startup, logger)
	if err != nil {
		return nil, fmt.Errorf("could not init backend %q: %v", name, err)
	}
	if backend == nil {
		return nil, fmt.Errorf("unknown backend %q", name)
	}
	logger.Infof("Initialised backend %q", name)

	return backend, nil
}

// InitBackends creates an instance of each named backend. An empty list is valid, the daemon then
// only aggregates.
func InitBackends(names []string, v *viper.Viper, startup time.Time, logger logrus.FieldLogger) ([]statsdaemon.Backend, error) {
	if len(names) == 0 {
		logger.Info("No backend specified")
	}
	result := make([]statsdaemon.Backend, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			return nil, fmt.Errorf("backend %q is listed more than once", name)
		}
		seen[name] = true
		backend, err := InitBackend(name, v, startup, logger)
		if err != nil {
			return nil, err
		}
		result = append(result, backend)
	}
	return result, nil
}
