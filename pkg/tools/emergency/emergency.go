// Package emergency provides the tool set of the emergency assistant: sensor
// readings, the user's profile and location, and the actions an operator
// would take (calling contacts, sounding an alarm, logging the incident).
package emergency

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/beacon/pkg/incident"
	"github.com/harunnryd/beacon/pkg/logging"
	"github.com/harunnryd/beacon/pkg/tools"
)

// Dialer places a call that reads message to the callee.
type Dialer interface {
	Dial(ctx context.Context, to, message string) (string, error)
}

// Transcriber turns an audio recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader) (string, error)
}

type Location struct {
	Latitude  float64 `json:"latitude" mapstructure:"latitude"`
	Longitude float64 `json:"longitude" mapstructure:"longitude"`
}

type Profile struct {
	Name               string `json:"name" mapstructure:"name"`
	Age                int    `json:"age" mapstructure:"age"`
	Gender             string `json:"gender" mapstructure:"gender"`
	BloodType          string `json:"blood_type" mapstructure:"blood_type"`
	MedicalHistory     string `json:"medical_history" mapstructure:"medical_history"`
	CurrentMedications string `json:"current_medications" mapstructure:"current_medications"`
	Allergies          string `json:"allergies" mapstructure:"allergies"`
	MedicalConditions  string `json:"medical_conditions" mapstructure:"medical_conditions"`
}

type HealthMetrics struct {
	HeartRate     int `json:"heart_rate" mapstructure:"heart_rate"`
	BloodPressure int `json:"blood_pressure" mapstructure:"blood_pressure"`
	BloodOxygen   int `json:"blood_oxygen" mapstructure:"blood_oxygen"`
}

// Deps are the collaborators of the tool handlers. Zero values fall back to
// simulated behaviour.
type Deps struct {
	Incidents   incident.Store
	Dialer      Dialer
	Transcriber Transcriber
	// Contacts maps contact_type (primary, secondary, medical) to a phone number.
	Contacts map[string]string
	// RecordingPath is the audio file transcribed by get_audio_input.
	RecordingPath string
	// SampleImagesDir holds the images returned by get_video_input.
	SampleImagesDir string
	Profile         *Profile
	Location        *Location
	Metrics         *HealthMetrics
	// Phrases replace the simulated audio input.
	Phrases []string
	Rand    *rand.Rand
	Logger  *slog.Logger
}

var (
	defaultProfile = Profile{
		Name:               "John Doe",
		Age:                30,
		Gender:             "male",
		BloodType:          "A+",
		MedicalHistory:     "None",
		CurrentMedications: "None",
		Allergies:          "None",
		MedicalConditions:  "None",
	}
	defaultLocation = Location{Latitude: 40.7128, Longitude: -74.0060}
	defaultMetrics  = HealthMetrics{HeartRate: 100, BloodPressure: 120, BloodOxygen: 95}
	defaultPhrases  = []string{
		"Ah! I think I'm having a heart attack",
		"Cough, cough, cough",
		"Ahh!!! My chest is killing me",
		"I feel some pressure in my chest",
		"Please help me, I'm dying",
	}
)

// Names lists the emergency tools in their canonical order.
var Names = []string{
	"get_health_metrics",
	"get_user_location",
	"get_audio_input",
	"get_video_input",
	"get_user_details",
	"call_emergency_contact",
	"activate_alarm",
	"log_incident",
}

type toolkit struct {
	deps Deps
	log  *slog.Logger
	mu   sync.Mutex
	rng  *rand.Rand
}

// Descriptors builds the emergency tools bound to deps.
func Descriptors(deps Deps) []tools.Descriptor {
	k := &toolkit{deps: deps, log: logging.NewComponentLogger(deps.Logger, "emergency_tools"), rng: deps.Rand}
	if k.rng == nil {
		k.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return []tools.Descriptor{
		{
			Name:        "get_health_metrics",
			Description: "Returns the current health metrics of the user: heart rate, blood pressure and blood oxygen.",
			Handler:     k.healthMetrics,
		},
		{
			Name:        "get_user_location",
			Description: "Returns the current location of the user as latitude and longitude.",
			Handler:     k.userLocation,
		},
		{
			Name:        "get_audio_input",
			Description: "Returns what the user is saying right now, transcribed from the microphone.",
			Handler:     k.audioInput,
		},
		{
			Name:        "get_video_input",
			Description: "Returns a frame from the user's camera as a base64 image for visual analysis.",
			Handler:     k.videoInput,
		},
		{
			Name:        "get_user_details",
			Description: "Returns personal and medical information about the user.",
			Handler:     k.userDetails,
		},
		{
			Name:        "call_emergency_contact",
			Description: "Call a predefined emergency contact.",
			Schema: tools.Schema{Params: []tools.Param{{
				Name:        "contact_type",
				Type:        tools.TypeString,
				Description: "Which contact to call.",
				Required:    true,
				Enum:        []string{"primary", "secondary", "medical"},
			}}},
			Handler: k.callContact,
		},
		{
			Name:        "activate_alarm",
			Description: "Trigger a loud alarm to alert nearby people.",
			Schema: tools.Schema{Params: []tools.Param{{
				Name:        "duration_seconds",
				Type:        tools.TypeInteger,
				Description: "How long the alarm sounds.",
				Default:     60,
			}}},
			Handler: k.activateAlarm,
		},
		{
			Name:        "log_incident",
			Description: "Log the crisis incident with a timestamp.",
			Schema: tools.Schema{Params: []tools.Param{
				{Name: "incident_type", Type: tools.TypeString, Description: "Short incident category, e.g. cardiac, fall, fire.", Required: true},
				{Name: "severity", Type: tools.TypeString, Required: true, Enum: []string{"low", "medium", "high", "critical"}},
			}},
			Handler: k.logIncident,
		},
	}
}

// Register adds every emergency tool to reg.
func Register(reg *tools.Registry, deps Deps) error {
	var errs error
	for _, d := range Descriptors(deps) {
		errs = errors.Join(errs, reg.Register(d))
	}
	return errs
}

func (k *toolkit) healthMetrics(context.Context, tools.Args) (any, error) {
	m := defaultMetrics
	if k.deps.Metrics != nil {
		m = *k.deps.Metrics
	}
	return m, nil
}

func (k *toolkit) userLocation(context.Context, tools.Args) (any, error) {
	loc := defaultLocation
	if k.deps.Location != nil {
		loc = *k.deps.Location
	}
	return loc, nil
}

func (k *toolkit) userDetails(context.Context, tools.Args) (any, error) {
	p := defaultProfile
	if k.deps.Profile != nil {
		p = *k.deps.Profile
	}
	return p, nil
}

func (k *toolkit) audioInput(ctx context.Context, _ tools.Args) (any, error) {
	if k.deps.Transcriber != nil && k.deps.RecordingPath != "" {
		f, err := os.Open(k.deps.RecordingPath)
		if err != nil {
			return nil, fmt.Errorf("open recording: %w", err)
		}
		defer f.Close()
		text, err := k.deps.Transcriber.Transcribe(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("transcribe: %w", err)
		}
		return map[string]any{"audio": text, "source": "microphone"}, nil
	}
	phrases := k.deps.Phrases
	if len(phrases) == 0 {
		phrases = defaultPhrases
	}
	return map[string]any{"audio": phrases[k.intn(len(phrases))], "source": "simulated"}, nil
}

func (k *toolkit) videoInput(context.Context, tools.Args) (any, error) {
	dir := k.deps.SampleImagesDir
	if dir == "" {
		return nil, errors.New("video feed unavailable: no sample images configured")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("video feed unavailable: %w", err)
	}
	var images []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			images = append(images, e.Name())
		}
	}
	if len(images) == 0 {
		return nil, errors.New("video feed unavailable: no images found")
	}
	sort.Strings(images)
	name := images[k.intn(len(images))]
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("could not load image %s: %w", name, err)
	}
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return map[string]any{
		"image": map[string]any{
			"data_b64":  base64.StdEncoding.EncodeToString(data),
			"mime_type": mimeType,
			"filename":  name,
		},
		"description": "Emergency scene captured from video feed: " + name,
	}, nil
}

func (k *toolkit) callContact(ctx context.Context, args tools.Args) (any, error) {
	contact := args.String("contact_type")
	number := k.deps.Contacts[contact]
	if k.deps.Dialer == nil || number == "" {
		k.log.Info("emergency_contact_simulated", "contact_type", contact)
		return map[string]any{"message": "Called " + contact + " contact", "simulated": true}, nil
	}
	message := "This is an automated emergency alert. Your contact may need help."
	if p := k.deps.Profile; p != nil && p.Name != "" {
		message = fmt.Sprintf("This is an automated emergency alert for %s. They may need help.", p.Name)
	}
	sid, err := k.deps.Dialer.Dial(ctx, number, message)
	if err != nil {
		return nil, err
	}
	k.log.Info("emergency_contact_called", "contact_type", contact, "call_sid", sid)
	return map[string]any{"message": "Called " + contact + " contact", "call_sid": sid}, nil
}

func (k *toolkit) activateAlarm(_ context.Context, args tools.Args) (any, error) {
	duration := args.Int("duration_seconds", 60)
	if duration <= 0 || duration > 3600 {
		return nil, fmt.Errorf("duration_seconds must be between 1 and 3600, got %d", duration)
	}
	k.log.Info("alarm_activated", "duration_seconds", duration)
	return map[string]any{"message": fmt.Sprintf("Alarm activated for %ds", duration)}, nil
}

func (k *toolkit) logIncident(ctx context.Context, args tools.Args) (any, error) {
	in := incident.Incident{
		Type:     args.String("incident_type"),
		Severity: args.String("severity"),
	}
	if info, ok := tools.CallInfoFrom(ctx); ok {
		in.SessionID = info.SessionID
		in.Details = map[string]any{"cycle_id": info.CycleID, "call_id": info.CallID}
	}
	store := k.deps.Incidents
	if store == nil {
		store = fallbackStore()
	}
	saved, err := store.Log(ctx, in)
	if err != nil {
		return nil, err
	}
	k.log.Info("incident_logged", "incident_id", saved.ID, "severity", saved.Severity, "incident_type", saved.Type)
	return map[string]any{
		"incident_id": saved.ID,
		"logged_at":   saved.LoggedAt.Format(time.RFC3339),
	}, nil
}

func (k *toolkit) intn(n int) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.rng.Intn(n)
}

var (
	fallbackOnce sync.Once
	fallback     incident.Store
)

func fallbackStore() incident.Store {
	fallbackOnce.Do(func() { fallback = incident.NewMemoryStore() })
	return fallback
}
