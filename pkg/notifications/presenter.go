// Package notifications presents the persistent driving status indicator.
package notifications

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/markus-lassfolk/drivedetect/pkg"
	"github.com/markus-lassfolk/drivedetect/pkg/logx"
)

// Texts of the persistent status notification
const (
	TitleMonitoring = "DriveSafe - Monitoring"
	BodyStarted     = "Detecting driving for your safety"
	BodyDriving     = "Driving detected - Stay safe!"
	BodyIdle        = "Monitoring for driving"
)

// Presenter shows a persistent status indicator to the user
type Presenter interface {
	Present(title, body string) error
	UpdateOngoing(body string) error
}

// BodyFor returns the ongoing notification text for a driving state
func BodyFor(state pkg.DrivingState) string {
	if state == pkg.StateDriving {
		return BodyDriving
	}
	return BodyIdle
}

// Notifier drives a Presenter from the detection pipeline and isolates its
// failures: errors and panics are logged and never reach the caller.
type Notifier struct {
	presenter Presenter
	logger    *logx.Logger
}

// NewNotifier wraps presenter; a nil presenter makes every call a no-op
func NewNotifier(presenter Presenter, logger *logx.Logger) *Notifier {
	return &Notifier{presenter: presenter, logger: logger}
}

// Started shows the initial monitoring notification
func (n *Notifier) Started() {
	n.call("present", func(p Presenter) error {
		return p.Present(TitleMonitoring, BodyStarted)
	})
}

// Transition updates the ongoing notification for a state change
func (n *Notifier) Transition(ev pkg.StateTransitionEvent) {
	n.call("update_ongoing", func(p Presenter) error {
		return p.UpdateOngoing(BodyFor(ev.State()))
	})
}

func (n *Notifier) call(op string, fn func(Presenter) error) {
	if n == nil || n.presenter == nil {
		return
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("presenter panicked: %v", r)
			}
		}()
		return fn(n.presenter)
	}()
	if err != nil {
		n.logger.Warn("Notification presenter failed", "operation", op, "error", err)
	}
}

// LogPresenter writes notifications to the log
type LogPresenter struct {
	logger *logx.Logger
}

// NewLogPresenter creates a presenter backed by logger
func NewLogPresenter(logger *logx.Logger) *LogPresenter {
	return &LogPresenter{logger: logger}
}

func (p *LogPresenter) Present(title, body string) error {
	p.logger.Info("Notification", "title", title, "body", body)
	return nil
}

func (p *LogPresenter) UpdateOngoing(body string) error {
	p.logger.Info("Notification updated", "body", body)
	return nil
}

// StatusFile is the JSON document maintained by StatusFilePresenter
type StatusFile struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Ongoing   bool   `json:"ongoing"`
	UpdatedAt string `json:"updated_at"` // RFC3339Z
}

// StatusFilePresenter keeps the current notification in a JSON file that a
// host UI or status widget can poll
type StatusFilePresenter struct {
	path string
	now  func() time.Time

	mu    sync.Mutex
	title string
}

// NewStatusFilePresenter creates a presenter writing to path
func NewStatusFilePresenter(path string) *StatusFilePresenter {
	return &StatusFilePresenter{
		path:  path,
		now:   time.Now,
		title: TitleMonitoring,
	}
}

func (p *StatusFilePresenter) Present(title, body string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.title = title
	return p.write(body)
}

func (p *StatusFilePresenter) UpdateOngoing(body string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.write(body)
}

// Read returns the current content of the status file
func (p *StatusFilePresenter) Read() (*StatusFile, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, err
	}
	var sf StatusFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("failed to parse status file: %w", err)
	}
	return &sf, nil
}

func (p *StatusFilePresenter) write(body string) error {
	data, err := json.Marshal(StatusFile{
		Title:     p.title,
		Body:      body,
		Ongoing:   true,
		UpdatedAt: p.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}

	// write-then-rename so readers never see a partial document
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write status file: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace status file: %w", err)
	}
	return nil
}

// MultiPresenter forwards to several presenters, continuing past failures
type MultiPresenter []Presenter

func (m MultiPresenter) Present(title, body string) error {
	var errs []error
	for _, p := range m {
		if err := p.Present(title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiPresenter) UpdateOngoing(body string) error {
	var errs []error
	for _, p := range m {
		if err := p.UpdateOngoing(body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
