// Package deeplink turns incoming links into a selected date and a route.
package deeplink

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DateLayout is the format of the date query parameter.
const DateLayout = "2006-01-02"

var ErrNoDate = errors.New("link has no date parameter")

// Link is a parsed deep link.
type Link struct {
	// Route is the path portion of the link, with the host of custom-scheme
	// links folded in ("organizer://calendar" routes to "/calendar").
	Route string
	Date  time.Time
}

// Parse reads the date parameter out of rawURL.  The date is interpreted in
// local time.
func Parse(rawURL string) (Link, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Link{}, fmt.Errorf("while parsing link: %w", err)
	}

	route := u.Path
	if u.Scheme != "http" && u.Scheme != "https" && u.Host != "" {
		route = "/" + u.Host + u.Path
	}
	if route == "" {
		route = "/"
	}
	route = "/" + strings.Trim(route, "/")

	raw := u.Query().Get("date")
	if raw == "" {
		return Link{Route: route}, ErrNoDate
	}
	date, err := time.ParseInLocation(DateLayout, raw, time.Local)
	if err != nil {
		return Link{Route: route}, fmt.Errorf("while parsing date %q: %w", raw, err)
	}
	return Link{Route: route, Date: date}, nil
}

// DateSelector is implemented by the mirror.
type DateSelector interface {
	SetSelectedDate(t time.Time)
}

// Apply pushes the link's date into target, then returns the route to
// navigate to.  A link without a date leaves the selection alone.
func Apply(link Link, target DateSelector) string {
	if !link.Date.IsZero() {
		target.SetSelectedDate(link.Date)
	}
	return link.Route
}
