package initsvc

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

const maxDeps = 4

// LoadConfigString parses an ini-formatted service config (the same shape
// `[service.NAME]` / `[handle.NAME]` / `[profile.NAME]` sections the real
// init binary reads from its boot-time config file) and runs the full
// resolution pipeline: service discovery, handle resolution, and
// dependency-graph construction.
func (m *Manager) LoadConfigString(content string) error {
	cfg, err := ini.Load([]byte(content))
	if err != nil {
		return fmt.Errorf("initsvc: parse config: %w", err)
	}

	for _, sec := range cfg.Sections() {
		name := sec.Name()
		switch {
		case name == ini.DefaultSection:
			continue
		case strings.HasPrefix(name, "service."):
			m.loadServiceSection(sec, strings.TrimPrefix(name, "service."))
		case strings.HasPrefix(name, "handle."):
			m.loadHandleSection(sec, strings.TrimPrefix(name, "handle."))
		case strings.HasPrefix(name, "profile."):
			m.loadProfileSection(sec, strings.TrimPrefix(name, "profile."))
		}
	}

	return m.resolve()
}

func (m *Manager) serviceByName(name string) *Service {
	if idx, ok := m.index[name]; ok {
		return m.services[idx]
	}
	return nil
}

func (m *Manager) getOrAddService(name string) *Service {
	if svc := m.serviceByName(name); svc != nil {
		return svc
	}
	svc := &Service{Name: name, Type: ServiceModule}
	idx := len(m.services)
	m.services = append(m.services, svc)
	m.runtime = append(m.runtime, &Runtime{State: Pending})
	m.graph = append(m.graph, &graphNode{})
	m.index[name] = idx
	return svc
}

func (m *Manager) loadServiceSection(sec *ini.Section, name string) {
	svc := m.getOrAddService(name)
	node := m.graph[m.index[name]]

	for _, key := range sec.Keys() {
		value := key.String()
		switch key.Name() {
		case "type":
			if value == "path" {
				svc.Type = ServicePath
			} else {
				svc.Type = ServiceModule
			}
		case "module_name":
			svc.ModuleName = value
		case "path":
			svc.Path = value
		case "after":
			svc.After = parseDepList(value)
		case "ready":
			svc.Ready = parseDepList(value)
		case "wait_path":
			svc.WaitPath = value
		case "delay":
			n, _ := strconv.Atoi(strings.TrimSpace(value))
			if n > 0 {
				svc.DelayMS = uint32(n)
			}
		case "builtin":
			svc.Builtin = isTruthy(value)
		case "respawn":
			svc.Respawn = isTruthy(value)
		case "handles":
			svc.Handles = m.parseHandleRefs(value)
		case "mount":
			svc.Mount = value
		case "profile":
			svc.Profile = value
		case "provides":
			node.provides = parseDepList(value)
			svc.Provides = node.provides
		case "requires":
			svc.Requires = parseDepList(value)
		case "wants":
			svc.Wants = parseDepList(value)
		}
	}
}

func (m *Manager) loadHandleSection(sec *ini.Section, name string) {
	def := m.getOrAddHandleDef(name)
	for _, key := range sec.Keys() {
		if key.Name() != "type" {
			continue
		}
		switch key.String() {
		case "endpoint":
			def.Type = HandleTypeEndpoint
		case "inherit":
			def.Type = HandleTypeInherit
		}
	}
}

func (m *Manager) loadProfileSection(sec *ini.Section, name string) {
	prof, ok := m.profiles[name]
	if !ok {
		prof = &Profile{Name: name, Perms: map[string]bool{}}
		m.profiles[name] = prof
	}
	for _, key := range sec.Keys() {
		if key.Name() == "inherit" {
			prof.Inherit = key.String()
			continue
		}
		if strings.HasPrefix(key.Name(), "xnix.") {
			prof.Perms[key.Name()] = isTruthy(key.String())
		}
	}
}

// parseHandleRefs parses the "handles" key's space-separated list of handle
// names and registers each as a handle definition, guessing ENDPOINT vs
// INHERIT from the name for the well-known kernel-injected handles.
func (m *Manager) parseHandleRefs(value string) []HandleRef {
	names := parseDepList(value)
	refs := make([]HandleRef, 0, len(names))
	for _, name := range names {
		def := m.getOrAddHandleDef(name)
		if def.Type == HandleTypeNone {
			if strings.HasPrefix(name, "module_") || name == "fb_mem" || name == "vga_mem" {
				def.Type = HandleTypeInherit
			} else {
				def.Type = HandleTypeEndpoint
			}
		}
		refs = append(refs, HandleRef{Name: name, Src: invalidHandle})
	}
	return refs
}

func (m *Manager) getOrAddHandleDef(name string) *HandleDef {
	if def, ok := m.handleDefs[name]; ok {
		return def
	}
	def := &HandleDef{Name: name, Handle: invalidHandle}
	m.handleDefs[name] = def
	return def
}

// ResolveProfile flattens a profile's inheritance chain into one permission
// map, nearest definition winning: a child's explicit xnix.* entry overrides
// whatever its inherit parent says. A cycle in the inherit chain is an
// error, mirroring the dependency graph's cycle rule.
func (m *Manager) ResolveProfile(name string) (map[string]bool, error) {
	perms := map[string]bool{}
	seen := map[string]bool{}

	var chain []*Profile
	for cur := name; cur != ""; {
		if seen[cur] {
			return nil, fmt.Errorf("initsvc: profile inherit cycle through %q", cur)
		}
		seen[cur] = true
		prof, ok := m.profiles[cur]
		if !ok {
			return nil, fmt.Errorf("initsvc: unknown profile %q", cur)
		}
		chain = append(chain, prof)
		cur = prof.Inherit
	}

	// Apply root-most first so closer profiles override.
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].Perms {
			perms[k] = v
		}
	}
	return perms, nil
}

func parseDepList(value string) []string {
	fields := strings.Fields(value)
	if len(fields) > maxDeps*3 {
		fields = fields[:maxDeps*3]
	}
	return fields
}

func isTruthy(v string) bool {
	return v == "true" || v == "1"
}
