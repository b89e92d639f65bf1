package request

import (
	"net/http"
	"strings"

	"github.com/edvin/vmcache/internal/model"
)

// InstanceFilter narrows an instance listing. Empty fields match everything.
type InstanceFilter struct {
	IDs    []string
	Status string
	Region string
	Search string
}

// ParseInstanceFilter extracts the filter from the query string.
func ParseInstanceFilter(r *http.Request) InstanceFilter {
	q := r.URL.Query()
	return InstanceFilter{
		IDs:    SplitIDs(q.Get("ids")),
		Status: strings.ToUpper(q.Get("status")),
		Region: q.Get("region"),
		Search: strings.ToLower(q.Get("search")),
	}
}

// Match reports whether inst passes every set field. Search is a
// case-insensitive substring match on the name or id.
func (f InstanceFilter) Match(inst model.Instance) bool {
	if f.Status != "" && inst.Status.String() != f.Status {
		return false
	}
	if f.Region != "" && inst.Region != f.Region {
		return false
	}
	if f.Search != "" &&
		!strings.Contains(strings.ToLower(inst.Name), f.Search) &&
		!strings.Contains(strings.ToLower(inst.ID), f.Search) {
		return false
	}
	return true
}

// Apply returns the instances that match, keeping their order.
func (f InstanceFilter) Apply(instances []model.Instance) []model.Instance {
	if f.Status == "" && f.Region == "" && f.Search == "" {
		return instances
	}
	out := make([]model.Instance, 0, len(instances))
	for _, inst := range instances {
		if f.Match(inst) {
			out = append(out, inst)
		}
	}
	return out
}
