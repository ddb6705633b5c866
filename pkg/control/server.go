// Package control is the HTTP control surface of the client: session
// status, exposure and gain commands, the last image and a setup page.
package control

import (
	"fmt"
	"html/template"
	"indigo/pkg/client"
	"indigo/templates"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

// Commander is the part of client.Manager the server drives.
type Commander interface {
	State() client.State
	Session() *client.Session
	TakeShot(exposure float64, device string, handler ...client.ShotHandler) error
	SetGain(gain float64, device string) error
	DisconnectDevice(device string) error
}

type DeviceStatus struct {
	Name   string `json:"Name"`
	Status string `json:"Status"`
}

type SessionStatus struct {
	State   string         `json:"State"`
	Driver  string         `json:"Driver"`
	Device  string         `json:"Device"`
	Devices []DeviceStatus `json:"Devices"`
}

type Server struct {
	manager Commander
	images  *ImageBuffer
	store   *Store
	tmpl    *template.Template
	logger  log.FieldLogger
}

func NewServer(manager Commander, images *ImageBuffer, store *Store, tmpl *template.Template, logger log.FieldLogger) *Server {
	server := Server{
		manager: manager,
		images:  images,
		store:   store,
		tmpl:    tmpl,
		logger:  logger,
	}

	return &server
}

func (s *Server) AddRoutes() *http.ServeMux {
	r := http.NewServeMux()

	r.HandleFunc("GET /api/v1/session", s.handleSession)
	r.HandleFunc("PUT /api/v1/takeshot", s.handleTakeShot)
	r.HandleFunc("PUT /api/v1/gain", s.handleGain)
	r.HandleFunc("PUT /api/v1/disconnect", s.handleDisconnect)
	r.HandleFunc("GET /api/v1/image", s.handleImage)
	r.HandleFunc("/setup", s.handleSetup)

	return r
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	session := s.manager.Session()

	status := SessionStatus{
		State:   s.manager.State().String(),
		Device:  session.DeviceName(),
		Devices: []DeviceStatus{},
	}
	if h := session.Driver(); h != nil {
		status.Driver = h.Name()
	}
	for _, dev := range session.Devices() {
		status.Devices = append(status.Devices, DeviceStatus{Name: dev, Status: session.Status(dev).String()})
	}

	handleResponse(w, r, status)
}

func (s *Server) handleTakeShot(w http.ResponseWriter, r *http.Request) {
	exposure, err := parseFloatRequest(r, "Exposure")
	if err != nil {
		handleError(w, r, paramErrorNumber(err), fmt.Sprintf("Exposure: %v", err))
		return
	}
	if exposure < 0 {
		handleError(w, r, errInvalidValue, "Exposure must be non-negative")
		return
	}

	device := optionalField(r, "Device")
	s.logger.Infof("Exposure of %gs requested", exposure)
	if err := s.manager.TakeShot(exposure, device); err != nil {
		handleError(w, r, errorNumber(err), err.Error())
		return
	}
	handleResponse(w, r, nil)
}

func (s *Server) handleGain(w http.ResponseWriter, r *http.Request) {
	gain, err := parseFloatRequest(r, "Gain")
	if err != nil {
		handleError(w, r, paramErrorNumber(err), fmt.Sprintf("Gain: %v", err))
		return
	}

	if err := s.manager.SetGain(gain, optionalField(r, "Device")); err != nil {
		handleError(w, r, errorNumber(err), err.Error())
		return
	}
	handleResponse(w, r, nil)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DisconnectDevice(optionalField(r, "Device")); err != nil {
		handleError(w, r, errorNumber(err), err.Error())
		return
	}
	handleResponse(w, r, nil)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	img := s.images.Last()
	if img == nil {
		http.Error(w, "no image available", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/fits")
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.Header().Set("Last-Modified", img.Taken.UTC().Format(http.TimeFormat))
	w.Header().Set("X-Indigo-Device", img.Device)
	w.Write(img.Data)
}

// handleSetup shows and saves the settings used at the next start.
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		st, err := s.store.GetSettings()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.renderSetupForm(w, st, false, "")

	case http.MethodPost:
		st, err := parseSetupForm(r)
		if err != nil {
			s.renderSetupForm(w, st, false, err.Error())
			return
		}

		if err := s.store.SetSettings(st); err != nil {
			s.renderSetupForm(w, st, false, err.Error())
			return
		}
		s.logger.Infof("Settings saved: %+v", st)
		s.renderSetupForm(w, st, true, "")

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) renderSetupForm(w http.ResponseWriter, st Settings, success bool, err string) {
	data := struct {
		Settings
		Success bool
		Error   string
		Now     string
	}{st, success, err, time.Now().Format(time.RFC3339)}

	if err := s.tmpl.ExecuteTemplate(w, templates.SetupPage, data); err != nil {
		http.Error(w, "Error rendering template", http.StatusInternalServerError)
		s.logger.Errorf("Error rendering template: %v", err)
	}
}

func parseSetupForm(r *http.Request) (Settings, error) {
	if err := r.ParseForm(); err != nil {
		return Settings{}, fmt.Errorf("error parsing form: %v", err)
	}

	st := Settings{
		DeviceName: r.FormValue("device-name"),
		Driver:     r.FormValue("driver"),
		Mode:       r.FormValue("mode"),
		ImagesDir:  r.FormValue("images-dir"),
	}

	verbosity, err := strconv.Atoi(r.FormValue("verbosity"))
	if err != nil {
		return st, fmt.Errorf("invalid verbosity: %q", r.FormValue("verbosity"))
	}
	st.Verbosity = verbosity

	return st, nil
}
