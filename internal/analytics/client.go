// Package analytics wraps the Google Analytics Admin and Data APIs used
// after a successful login. Each operation is a single API call plus
// pagination; request shapes beyond what is printed are not modelled.
package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/brocketdesign/seisei/internal/child"
	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	analyticsadmin "google.golang.org/api/analyticsadmin/v1beta"
	analyticsdata "google.golang.org/api/analyticsdata/v1beta"
	"google.golang.org/api/option"
)

const (
	DefaultTimeZone  = "America/Los_Angeles"
	DefaultCurrency  = "USD"
	DefaultStartDate = "7daysAgo"
	DefaultEndDate   = "today"

	webDataStream = "WEB_DATA_STREAM"
	pageSize      = 200
)

// ErrNoKeyFile is returned when no service-account key file is configured
// or the configured file does not exist.
var ErrNoKeyFile = errors.New("analytics key file not found")

// Account is a Google Analytics account with its properties.
type Account struct {
	Name        string
	DisplayName string
	RegionCode  string
	Properties  []Property
	// PropertiesErr is set when listing this account's properties failed.
	PropertiesErr error
}

// Property is a GA4 property.
type Property struct {
	Name             string
	DisplayName      string
	IndustryCategory string
	TimeZone         string
	CurrencyCode     string
}

// DataStream is a web data stream.
type DataStream struct {
	Name          string
	DisplayName   string
	DefaultURI    string
	MeasurementID string
}

// ReportRow is one row of the city/activeUsers report.
type ReportRow struct {
	City        string
	ActiveUsers string
}

// PropertyRequest describes a property to create.
type PropertyRequest struct {
	Account     string
	DisplayName string
	TimeZone    string
	Currency    string
}

// Client calls the Admin and Data APIs with one set of credentials.
type Client struct {
	admin  *analyticsadmin.Service
	data   *analyticsdata.Service
	logger *log.Logger
	tracer trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewFromKeyFile loads service-account credentials from keyFile.
func NewFromKeyFile(ctx context.Context, keyFile string, options ...Option) (*Client, error) {
	path := child.ExpandHome(keyFile)
	if path == "" {
		return nil, ErrNoKeyFile
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoKeyFile, path)
		}
		return nil, fmt.Errorf("stat key file: %w", err)
	}
	return New(ctx, []option.ClientOption{
		option.WithCredentialsFile(path),
		option.WithScopes(analyticsadmin.AnalyticsEditScope, analyticsadmin.AnalyticsReadonlyScope),
	}, options...)
}

// ServiceAccountEmail reads client_email from a service-account key file.
func ServiceAccountEmail(keyFile string) (string, error) {
	// #nosec G304 -- key file path comes from local configuration.
	raw, err := os.ReadFile(child.ExpandHome(keyFile))
	if err != nil {
		return "", fmt.Errorf("read key file: %w", err)
	}
	var key struct {
		ClientEmail string `json:"client_email"`
	}
	if err := json.Unmarshal(raw, &key); err != nil {
		return "", fmt.Errorf("parse key file: %w", err)
	}
	return key.ClientEmail, nil
}

// New builds a Client from raw API client options.
func New(ctx context.Context, clientOptions []option.ClientOption, options ...Option) (*Client, error) {
	admin, err := analyticsadmin.NewService(ctx, clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("create analytics admin service: %w", err)
	}
	data, err := analyticsdata.NewService(ctx, clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("create analytics data service: %w", err)
	}
	client := &Client{
		admin:  admin,
		data:   data,
		logger: log.New(io.Discard),
		tracer: otel.Tracer("gcauth/analytics"),
	}
	for _, apply := range options {
		if apply != nil {
			apply(client)
		}
	}
	return client, nil
}

// Accounts lists every visible account and the properties under it. A
// failure listing one account's properties is recorded on that account.
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	ctx, span := c.start(ctx, "accounts.list")
	defer span.End()

	var accounts []Account
	err := c.admin.Accounts.List().PageSize(pageSize).Pages(ctx, func(page *analyticsadmin.GoogleAnalyticsAdminV1betaListAccountsResponse) error {
		for _, account := range page.Accounts {
			accounts = append(accounts, Account{
				Name:        account.Name,
				DisplayName: account.DisplayName,
				RegionCode:  account.RegionCode,
			})
		}
		return nil
	})
	if err != nil {
		return nil, c.fail(span, "list accounts", err)
	}

	for i := range accounts {
		properties, err := c.Properties(ctx, accounts[i].Name)
		if err != nil {
			c.logger.With("account", accounts[i].Name, "error", err).Warn("list properties failed")
			accounts[i].PropertiesErr = err
			continue
		}
		accounts[i].Properties = properties
	}
	span.SetAttributes(attribute.Int("accounts", len(accounts)))
	return accounts, nil
}

// Properties lists the properties directly under account.
func (c *Client) Properties(ctx context.Context, account string) ([]Property, error) {
	account = AccountName(account)
	var properties []Property
	err := c.admin.Properties.List().Filter("parent:"+account).PageSize(pageSize).Pages(ctx, func(page *analyticsadmin.GoogleAnalyticsAdminV1betaListPropertiesResponse) error {
		for _, property := range page.Properties {
			properties = append(properties, fromAdminProperty(property))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list properties of %s: %w", account, err)
	}
	return properties, nil
}

// CreateProperty creates a GA4 property under req.Account.
func (c *Client) CreateProperty(ctx context.Context, req PropertyRequest) (Property, error) {
	ctx, span := c.start(ctx, "properties.create")
	defer span.End()

	if strings.TrimSpace(req.Account) == "" || strings.TrimSpace(req.DisplayName) == "" {
		return Property{}, c.fail(span, "create property", errors.New("account and display name are required"))
	}
	body := &analyticsadmin.GoogleAnalyticsAdminV1betaProperty{
		Parent:       AccountName(req.Account),
		DisplayName:  strings.TrimSpace(req.DisplayName),
		TimeZone:     firstNonEmpty(req.TimeZone, DefaultTimeZone),
		CurrencyCode: firstNonEmpty(req.Currency, DefaultCurrency),
	}
	created, err := c.admin.Properties.Create(body).Context(ctx).Do()
	if err != nil {
		return Property{}, c.fail(span, "create property", err)
	}
	c.logger.With("property", created.Name).Info("property created")
	return fromAdminProperty(created), nil
}

// CreateWebStream creates a web data stream for property.
func (c *Client) CreateWebStream(ctx context.Context, property, displayName, websiteURL string) (DataStream, error) {
	ctx, span := c.start(ctx, "dataStreams.create")
	defer span.End()

	if strings.TrimSpace(displayName) == "" || strings.TrimSpace(websiteURL) == "" {
		return DataStream{}, c.fail(span, "create data stream", errors.New("display name and website url are required"))
	}
	body := &analyticsadmin.GoogleAnalyticsAdminV1betaDataStream{
		DisplayName: strings.TrimSpace(displayName),
		Type:        webDataStream,
		WebStreamData: &analyticsadmin.GoogleAnalyticsAdminV1betaDataStreamWebStreamData{
			DefaultUri: strings.TrimSpace(websiteURL),
		},
	}
	created, err := c.admin.Properties.DataStreams.Create(PropertyName(property), body).Context(ctx).Do()
	if err != nil {
		return DataStream{}, c.fail(span, "create data stream", err)
	}
	stream := DataStream{Name: created.Name, DisplayName: created.DisplayName}
	if created.WebStreamData != nil {
		stream.DefaultURI = created.WebStreamData.DefaultUri
		stream.MeasurementID = created.WebStreamData.MeasurementId
	}
	c.logger.With("stream", stream.Name, "measurement_id", stream.MeasurementID).Info("data stream created")
	return stream, nil
}

// RunReport returns active users per city for property between start and
// end, which accept the Data API's relative forms such as "7daysAgo".
func (c *Client) RunReport(ctx context.Context, property, start, end string) ([]ReportRow, error) {
	ctx, span := c.start(ctx, "properties.runReport")
	defer span.End()

	req := &analyticsdata.RunReportRequest{
		Dimensions: []*analyticsdata.Dimension{{Name: "city"}},
		Metrics:    []*analyticsdata.Metric{{Name: "activeUsers"}},
		DateRanges: []*analyticsdata.DateRange{{
			StartDate: firstNonEmpty(start, DefaultStartDate),
			EndDate:   firstNonEmpty(end, DefaultEndDate),
		}},
	}
	resp, err := c.data.Properties.RunReport(PropertyName(property), req).Context(ctx).Do()
	if err != nil {
		return nil, c.fail(span, "run report", err)
	}

	rows := make([]ReportRow, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		var out ReportRow
		if len(row.DimensionValues) > 0 && row.DimensionValues[0] != nil {
			out.City = row.DimensionValues[0].Value
		}
		if len(row.MetricValues) > 0 && row.MetricValues[0] != nil {
			out.ActiveUsers = row.MetricValues[0].Value
		}
		rows = append(rows, out)
	}
	span.SetAttributes(attribute.Int("rows", len(rows)))
	return rows, nil
}

// AccountName accepts "123" or "accounts/123".
func AccountName(value string) string {
	return resourceName("accounts/", value)
}

// PropertyName accepts "123" or "properties/123".
func PropertyName(value string) string {
	return resourceName("properties/", value)
}

func resourceName(prefix, value string) string {
	value = strings.TrimSpace(value)
	if value == "" || strings.HasPrefix(value, prefix) {
		return value
	}
	return prefix + value
}

func fromAdminProperty(property *analyticsadmin.GoogleAnalyticsAdminV1betaProperty) Property {
	if property == nil {
		return Property{}
	}
	return Property{
		Name:             property.Name,
		DisplayName:      property.DisplayName,
		IndustryCategory: property.IndustryCategory,
		TimeZone:         property.TimeZone,
		CurrencyCode:     property.CurrencyCode,
	}
}

func (c *Client) start(ctx context.Context, operation string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "analytics.call", trace.WithAttributes(attribute.String("operation", operation)))
}

func (c *Client) fail(span trace.Span, action string, err error) error {
	err = fmt.Errorf("%s: %w", action, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.logger.With("error", err).Error("analytics call failed")
	return err
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
