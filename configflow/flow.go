package configflow

import (
	"context"
	"errors"
	"fmt"
	"github.com/XANi/ecos2mqtt/ecos"
	"github.com/XANi/ecos2mqtt/integration"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
	"slices"
)

const (
	Version = 1

	StepUser = "user"

	FieldUsername = "username"
	FieldPassword = "password"
	FieldHost     = "host"

	ErrorBase          = "base"
	ErrorCannotConnect = "cannot_connect"
	ErrorInvalidAuth   = "invalid_auth"
	ErrorUnknown       = "unknown"
	ErrorRequired      = "required"
	ErrorInvalidHost   = "invalid_host"

	AbortAlreadyConfigured = "already_configured"
)

type ResultType string

const (
	ResultForm        ResultType = "form"
	ResultCreateEntry ResultType = "create_entry"
	ResultAbort       ResultType = "abort"
)

type FieldType string

const (
	FieldTypeString   FieldType = "string"
	FieldTypePassword FieldType = "password"
	FieldTypeSelect   FieldType = "select"
)

type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
	Options  []string  `json:"options,omitempty"`
}

// Schema is the form shown on the user step
func Schema() []Field {
	return []Field{
		{Name: FieldUsername, Type: FieldTypeString, Required: true},
		{Name: FieldPassword, Type: FieldTypePassword, Required: true},
		{Name: FieldHost, Type: FieldTypeSelect, Required: true, Options: slices.Clone(ecos.APIHosts)},
	}
}

type UserInput struct {
	Username string `mapstructure:"username" json:"username"`
	Password string `mapstructure:"password" json:"password"`
	Host     string `mapstructure:"host" json:"host"`
}

// ParseUserInput decodes submitted form values
func ParseUserInput(values map[string]interface{}) (*UserInput, error) {
	var in UserInput
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &in,
		WeaklyTypedInput: true,
		ErrorUnused:      false,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(values); err != nil {
		return nil, fmt.Errorf("invalid form input: %w", err)
	}
	return &in, nil
}

type Result struct {
	Type   ResultType        `json:"type"`
	StepID string            `json:"step_id,omitempty"`
	Schema []Field           `json:"data_schema,omitempty"`
	Errors map[string]string `json:"errors,omitempty"`
	Reason string            `json:"reason,omitempty"`
	Title  string            `json:"title,omitempty"`
	// Input echoes the submitted values back into a re-shown form, password excluded
	Input *UserInput                `json:"-"`
	Entry *integration.ConfigEntry `json:"-"`
}

// Validator is the part of the ECOS client needed to check credentials
type Validator interface {
	Authenticate(ctx context.Context) error
	CustomerOverview(ctx context.Context) (ecos.Customer, error)
}

type ValidatorFactory func(username, password, host string) Validator

// EntryLookup finds already configured accounts
type EntryLookup interface {
	HasUniqueID(uniqueID string) (bool, error)
}

type Config struct {
	Logger       *zap.SugaredLogger
	NewValidator ValidatorFactory
	Entries      EntryLookup
}

// Flow creates config entries from user supplied credentials
type Flow struct {
	log          *zap.SugaredLogger
	newValidator ValidatorFactory
	entries      EntryLookup
}

func New(cfg Config) *Flow {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Flow{
		log:          cfg.Logger,
		newValidator: cfg.NewValidator,
		entries:      cfg.Entries,
	}
}

// StepUser handles the user step. A nil input shows the empty form.
func (f *Flow) StepUser(ctx context.Context, input *UserInput) (Result, error) {
	if input == nil {
		return f.showForm(nil, nil), nil
	}
	if errs := validateSchema(input); len(errs) > 0 {
		return f.showForm(input, errs), nil
	}

	errs := map[string]string{}
	userID, err := f.validateInput(ctx, input)
	switch {
	case err == nil:
	case errors.Is(err, ecos.ErrConnection):
		f.log.Warn(err)
		errs[ErrorBase] = ErrorCannotConnect
	case ecos.IsEcosError(err):
		f.log.Warn(err)
		errs[ErrorBase] = ErrorInvalidAuth
	default:
		f.log.Errorf("unexpected exception: %s", err)
		errs[ErrorBase] = ErrorUnknown
	}
	if len(errs) > 0 {
		return f.showForm(input, errs), nil
	}

	exists, err := f.entries.HasUniqueID(userID)
	if err != nil {
		return Result{}, fmt.Errorf("error looking up existing entries: %w", err)
	}
	if exists {
		return Result{Type: ResultAbort, StepID: StepUser, Reason: AbortAlreadyConfigured}, nil
	}

	entry := &integration.ConfigEntry{
		EntryID:  uuid.NewString(),
		UniqueID: userID,
		Title:    input.Username,
		Version:  Version,
		Data: integration.Data{
			ID:       userID,
			Username: input.Username,
			Password: input.Password,
			Host:     input.Host,
		},
	}
	return Result{Type: ResultCreateEntry, StepID: StepUser, Title: entry.Title, Entry: entry}, nil
}

func (f *Flow) validateInput(ctx context.Context, input *UserInput) (string, error) {
	v := f.newValidator(input.Username, input.Password, input.Host)
	if err := v.Authenticate(ctx); err != nil {
		return "", err
	}
	customer, err := v.CustomerOverview(ctx)
	if err != nil {
		return "", err
	}
	if customer.UserID == "" {
		return "", &ecos.APIError{Path: "customer overview", Message: "empty user id"}
	}
	return customer.UserID, nil
}

func (f *Flow) showForm(input *UserInput, errs map[string]string) Result {
	if errs == nil {
		errs = map[string]string{}
	}
	var echo *UserInput
	if input != nil {
		echo = &UserInput{Username: input.Username, Host: input.Host}
	}
	return Result{Type: ResultForm, StepID: StepUser, Schema: Schema(), Errors: errs, Input: echo}
}

func validateSchema(input *UserInput) map[string]string {
	errs := map[string]string{}
	if input.Username == "" {
		errs[FieldUsername] = ErrorRequired
	}
	if input.Password == "" {
		errs[FieldPassword] = ErrorRequired
	}
	switch {
	case input.Host == "":
		errs[FieldHost] = ErrorRequired
	case !slices.Contains(ecos.APIHosts, input.Host):
		errs[FieldHost] = ErrorInvalidHost
	}
	return errs
}
