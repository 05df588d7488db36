package forwarder

import (
	"net/url"
	"time"
)

// ErrorReportDateLayout matches the timestamp format the collection API
// stores for error reports.
const ErrorReportDateLayout = "2006-01-02 15:04:05.000000"

// Payload is a report that can be encoded as form values or JSON.
type Payload interface {
	Values() url.Values
}

// PackageReport is the package listing of one environment.
type PackageReport struct {
	Email       string `json:"email"`
	APIKey      string `json:"api_key"`
	ServerName  string `json:"server_name"`
	PackageInfo string `json:"package_info"`
}

// Values implements Payload.
func (r PackageReport) Values() url.Values {
	return url.Values{
		"email":        {r.Email},
		"api_key":      {r.APIKey},
		"server_name":  {r.ServerName},
		"package_info": {r.PackageInfo},
	}
}

// ErrorReport describes a failure while processing one environment.
type ErrorReport struct {
	Date       string `json:"date"`
	User       string `json:"user"`
	APIKey     string `json:"api_key"`
	ServerName string `json:"server_name"`
	VenvName   string `json:"venv_name"`
	StackTrace string `json:"stack_trace"`
}

// NewErrorReport stamps an ErrorReport with ts.
func NewErrorReport(ts time.Time, user, apiKey, serverName, venvName, stackTrace string) ErrorReport {
	return ErrorReport{
		Date:       ts.Format(ErrorReportDateLayout),
		User:       user,
		APIKey:     apiKey,
		ServerName: serverName,
		VenvName:   venvName,
		StackTrace: stackTrace,
	}
}

// Values implements Payload.
func (r ErrorReport) Values() url.Values {
	return url.Values{
		"date":        {r.Date},
		"user":        {r.User},
		"api_key":     {r.APIKey},
		"server_name": {r.ServerName},
		"venv_name":   {r.VenvName},
		"stack_trace": {r.StackTrace},
	}
}
