package serve

import (
	"fmt"
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"

	"facemask/filter"
)

// ControlServer changes the running filter over HTTP. Every change runs
// through Do, which executes it on the goroutine that owns the instance.
type ControlServer struct {
	Do func(func(filter.Instance))
}

func (s *ControlServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var change func(filter.Instance)
	switch action := r.Form.Get("action"); action {
	case "mask":
		path := r.Form.Get("path")
		change = updateSettings(func(s *filter.Settings) { s.MaskFile = path })
	case "demo":
		on, err := strconv.ParseBool(r.Form.Get("on"))
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid on: %v", err), http.StatusBadRequest)
			return
		}
		folder := r.Form.Get("folder")
		change = updateSettings(func(s *filter.Settings) {
			s.DemoMode = on
			if folder != "" {
				s.DemoFolder = folder
			}
		})
	case "preview", "greenscreen":
		on, err := strconv.ParseBool(r.Form.Get("on"))
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid on: %v", err), http.StatusBadRequest)
			return
		}
		change = updateSettings(func(s *filter.Settings) {
			if action == "preview" {
				s.PreviewMode = on
			} else {
				s.GreenScreen = on
			}
		})
	case "show":
		change = filter.Instance.Show
	case "hide":
		change = filter.Instance.Hide
	case "activate":
		change = filter.Instance.Activate
	case "deactivate":
		change = filter.Instance.Deactivate
	default:
		http.Error(w, fmt.Sprintf("unknown action %q", action), http.StatusBadRequest)
		return
	}

	log.WithField("addr", r.RemoteAddr).Infof("Control request: %v", r.Form.Encode())
	s.Do(change)
	w.WriteHeader(http.StatusAccepted)
}

func updateSettings(edit func(s *filter.Settings)) func(filter.Instance) {
	return func(inst filter.Instance) {
		s := inst.Settings()
		edit(&s)
		inst.Update(s)
	}
}
