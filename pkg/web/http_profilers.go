package web

import (
	"net/http"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"strconv"
	"sync"
	"time"
)

const defaultProfileDuration = 30 * time.Second

// traceProfiler allows a single profile at a time.
type traceProfiler struct {
	mutex sync.Mutex
}

// profileDuration reads the optional seconds query parameter.
func profileDuration(r *http.Request) (time.Duration, bool) {
	s := r.URL.Query().Get("seconds")
	if s == "" {
		return defaultProfileDuration, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

func (tp *traceProfiler) Trace(w http.ResponseWriter, r *http.Request) {
	d, ok := profileDuration(r)
	if !ok {
		http.Error(w, "invalid seconds", http.StatusBadRequest)
		return
	}
	tp.mutex.Lock()
	defer tp.mutex.Unlock()
	if err := trace.Start(w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer trace.Stop()
	sleep(r, d)
}

func (tp *traceProfiler) PProf(w http.ResponseWriter, r *http.Request) {
	d, ok := profileDuration(r)
	if !ok {
		http.Error(w, "invalid seconds", http.StatusBadRequest)
		return
	}
	tp.mutex.Lock()
	defer tp.mutex.Unlock()
	if err := pprof.StartCPUProfile(w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer pprof.StopCPUProfile()
	sleep(r, d)
}

func (tp *traceProfiler) MemProf(w http.ResponseWriter, r *http.Request) {
	tp.mutex.Lock()
	defer tp.mutex.Unlock()
	runtime.GC()
	if err := pprof.Lookup("heap").WriteTo(w, 0); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// sleep returns after d or when the client goes away.
func sleep(r *http.Request, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-r.Context().Done():
	case <-t.C:
	}
}
