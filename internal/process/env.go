package process

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variables that make up the arbiter/worker contract.
const (
	EnvWorkerSpec    = "ARBITER_WORKER_SPEC" // presence selects worker mode
	EnvWorkerHandler = "ARBITER_WORKER_HANDLER"
	EnvWorkerID      = "ARBITER_WORKER_ID"
	EnvWorkerGen     = "ARBITER_WORKER_GEN"
	EnvWorkerTimeout = "ARBITER_WORKER_TIMEOUT"
	EnvHeartbeatFD   = "ARBITER_HEARTBEAT_FD"
	EnvListenFD      = "ARBITER_LISTEN_FD"
	EnvLogFormat     = "ARBITER_LOG_FORMAT"
	EnvLogLevel      = "ARBITER_LOG_LEVEL"
	EnvParams        = "ARBITER_PARAMS" // JSON object, keys kept verbatim
)

// Descriptor numbers inside the child. ExtraFiles[0] is fd 3.
const (
	HeartbeatFD = 3
	ListenFD    = 4
)

// ExitBootFailure is the reserved exit status a worker uses to say it can
// never become healthy. The arbiter halts when it sees it.
const ExitBootFailure = 3

// WorkerEnv is the decoded worker side of the environment contract.
type WorkerEnv struct {
	Spec        string
	Handler     string
	WorkerID    string
	Generation  uint64
	Timeout     time.Duration
	HeartbeatFD int
	ListenFD    int // -1 when no listener was handed down
	Params      map[string]string
	LogFormat   string
	LogLevel    string
}

// IsWorker reports whether the current process was started as a worker.
func IsWorker() bool {
	return os.Getenv(EnvWorkerSpec) != ""
}

// Environ renders the worker contract for req as KEY=VALUE pairs, to be
// appended to the parent's environment.
func Environ(req Request, listenFD int) []string {
	env := []string{
		EnvWorkerSpec + "=" + req.Spec,
		EnvWorkerHandler + "=" + req.Handler,
		EnvWorkerID + "=" + req.WorkerID,
		EnvWorkerGen + "=" + strconv.FormatUint(req.Generation, 10),
		EnvWorkerTimeout + "=" + req.Timeout.String(),
		EnvHeartbeatFD + "=" + strconv.Itoa(HeartbeatFD),
	}
	if listenFD >= 0 {
		env = append(env, EnvListenFD+"="+strconv.Itoa(listenFD))
	}
	if len(req.Params) > 0 {
		// A string map always marshals; keys come out sorted.
		b, _ := json.Marshal(req.Params)
		env = append(env, EnvParams+"="+string(b))
	}
	return env
}

// LoadWorkerEnv reads the worker contract from the environment.
func LoadWorkerEnv() (*WorkerEnv, error) {
	return parseWorkerEnv(os.Environ())
}

func parseWorkerEnv(environ []string) (*WorkerEnv, error) {
	vars := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		vars[k] = v
	}

	params := make(map[string]string)
	if v := vars[EnvParams]; v != "" {
		if err := json.Unmarshal([]byte(v), &params); err != nil {
			return nil, fmt.Errorf("%s: %w", EnvParams, err)
		}
	}

	env := &WorkerEnv{
		Spec:      vars[EnvWorkerSpec],
		Handler:   vars[EnvWorkerHandler],
		WorkerID:  vars[EnvWorkerID],
		ListenFD:  -1,
		Params:    params,
		LogFormat: vars[EnvLogFormat],
		LogLevel:  vars[EnvLogLevel],
	}
	if env.Spec == "" {
		return nil, fmt.Errorf("%s is not set", EnvWorkerSpec)
	}
	if env.Handler == "" {
		env.Handler = env.Spec
	}

	if v := vars[EnvWorkerGen]; v != "" {
		gen, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvWorkerGen, err)
		}
		env.Generation = gen
	}

	if v := vars[EnvWorkerTimeout]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvWorkerTimeout, err)
		}
		env.Timeout = d
	}

	fd, err := parseFD(vars, EnvHeartbeatFD)
	if err != nil {
		return nil, err
	}
	if fd < 0 {
		return nil, fmt.Errorf("%s is not set", EnvHeartbeatFD)
	}
	env.HeartbeatFD = fd

	if env.ListenFD, err = parseFD(vars, EnvListenFD); err != nil {
		return nil, err
	}
	return env, nil
}

func parseFD(vars map[string]string, key string) (int, error) {
	v, ok := vars[key]
	if !ok || v == "" {
		return -1, nil
	}
	fd, err := strconv.Atoi(v)
	if err != nil {
		return -1, fmt.Errorf("%s: %w", key, err)
	}
	if fd < 3 {
		return -1, fmt.Errorf("%s: descriptor %d collides with stdio", key, fd)
	}
	return fd, nil
}
