// Package visibility holds the user's route-family and dataset toggles and
// turns them into layer filters and layer visibility.
package visibility

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/akl-rail-map/railmap/internal/render"
)

var (
	// ErrUnknownFamily is returned when toggling a family that was never configured.
	ErrUnknownFamily = errors.New("unknown route family")
	// ErrUnknownDataset is returned for a dataset name other than primary or alternate.
	ErrUnknownDataset = errors.New("unknown dataset")
)

// Dataset names one of the two mutually exclusive route sources.
type Dataset string

const (
	Primary   Dataset = "primary"
	Alternate Dataset = "alternate"
)

// Datasets lists every dataset in registration order.
func Datasets() []Dataset {
	return []Dataset{Primary, Alternate}
}

// ParseDataset validates a dataset name. Empty means Primary.
func ParseDataset(s string) (Dataset, error) {
	switch Dataset(strings.ToLower(strings.TrimSpace(s))) {
	case "", Primary:
		return Primary, nil
	case Alternate:
		return Alternate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDataset, s)
	}
}

// Family is a named set of route keys toggled together.
type Family struct {
	Name   string   `json:"name"`
	Routes []string `json:"routes"`
}

// ParseFamilies reads "name=KEY|KEY;name=KEY".
func ParseFamilies(s string) ([]Family, error) {
	var out []Family
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, keys, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("failed to parse route family %q: want name=KEY|KEY", part)
		}
		f := Family{Name: name}
		for _, k := range strings.Split(keys, "|") {
			if k = strings.ToUpper(strings.TrimSpace(k)); k != "" {
				f.Routes = append(f.Routes, k)
			}
		}
		if len(f.Routes) == 0 {
			return nil, fmt.Errorf("failed to parse route family %q: no routes", part)
		}
		out = append(out, f)
	}
	return out, nil
}

// Controller owns the toggle state for one session.
type Controller struct {
	mu       sync.RWMutex
	families []Family
	hidden   map[string]bool
	dataset  Dataset
}

// New creates a controller with every family visible and dataset selected.
func New(families []Family, dataset Dataset) *Controller {
	if dataset == "" {
		dataset = Primary
	}
	return &Controller{
		families: slices.Clone(families),
		hidden:   make(map[string]bool),
		dataset:  dataset,
	}
}

// Families returns the configured families.
func (c *Controller) Families() []Family {
	return slices.Clone(c.families)
}

// SetFamilyVisible shows or hides a family. It reports whether anything changed.
func (c *Controller) SetFamilyVisible(name string, visible bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.known(name) {
		return false, fmt.Errorf("%w: %q", ErrUnknownFamily, name)
	}
	if c.hidden[name] == !visible {
		return false, nil
	}
	if visible {
		delete(c.hidden, name)
	} else {
		c.hidden[name] = true
	}
	return true, nil
}

// FamilyVisible reports whether a family is shown.
func (c *Controller) FamilyVisible(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.hidden[name]
}

// SelectDataset switches the visible dataset. It reports whether anything changed.
func (c *Controller) SelectDataset(d Dataset) (bool, error) {
	if d != Primary && d != Alternate {
		return false, fmt.Errorf("%w: %q", ErrUnknownDataset, d)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dataset == d {
		return false, nil
	}
	c.dataset = d
	return true, nil
}

// Dataset returns the selected dataset.
func (c *Controller) Dataset() Dataset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dataset
}

// RouteVisible reports whether no hidden family contains the route key.
// Keys compare upper-cased, the same way Filter matches them.
func (c *Controller) RouteVisible(routeKey string) bool {
	return !slices.Contains(c.ExcludedRoutes(), strings.ToUpper(routeKey))
}

// ExcludedRoutes returns the sorted route keys of every hidden family.
func (c *Controller) ExcludedRoutes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for _, f := range c.families {
		if !c.hidden[f.Name] {
			continue
		}
		for _, r := range f.Routes {
			if !slices.Contains(out, r) {
				out = append(out, r)
			}
		}
	}
	slices.Sort(out)
	return out
}

// Filter excludes hidden routes by keyProperty. It is nil when nothing is hidden.
func (c *Controller) Filter(keyProperty string) render.Filter {
	excluded := c.ExcludedRoutes()
	if len(excluded) == 0 {
		return nil
	}
	values := make([]any, len(excluded))
	for i, r := range excluded {
		values[i] = r
	}
	return render.Not{Filter: render.In{Property: keyProperty, Values: values, Fold: true}}
}

// LayerVisibility is the layout visibility value for a dataset's layers.
func (c *Controller) LayerVisibility(d Dataset) string {
	if c.Dataset() == d {
		return "visible"
	}
	return "none"
}

func (c *Controller) known(name string) bool {
	for _, f := range c.families {
		if f.Name == name {
			return true
		}
	}
	return false
}
