package domain

import (
	"fmt"
	"strings"
)

// Schema is the static declaration an aggregate descriptor is built from.
type Schema struct {
	// Type is the aggregate type name, e.g. "customer".
	Type string
	// Resource is passed to the action invoker. Defaults to Type.
	Resource string
	// Repo is passed to the transaction provider. Defaults to Resource.
	Repo          string
	IdentityField string
	Attributes    []Attribute
	// Middleware is the resource-level list, run outside every command's own list.
	Middleware []MiddlewareSpec
	Commands   []CommandDef
	Events     []EventDef
}

// Descriptor is the validated, immutable form of a Schema. It is built once
// at startup and passed explicitly to every engine component.
type Descriptor struct {
	typ           string
	resource      string
	repo          string
	identityField string
	attributes    []Attribute
	middleware    []MiddlewareSpec

	attrIndex      map[string]Attribute
	commands       map[string]*CommandDef
	commandOrder   []string
	events         map[string]*EventDef
	eventByCommand map[string]*EventDef
}

// NewDescriptor validates s and builds the lookup tables.
func NewDescriptor(s Schema) (*Descriptor, error) {
	if s.Type == "" {
		return nil, fmt.Errorf("descriptor: type is required")
	}
	if s.IdentityField == "" {
		return nil, fmt.Errorf("descriptor %s: identity field is required", s.Type)
	}

	d := &Descriptor{
		typ:            s.Type,
		resource:       s.Resource,
		repo:           s.Repo,
		identityField:  s.IdentityField,
		attributes:     append([]Attribute(nil), s.Attributes...),
		middleware:     append([]MiddlewareSpec(nil), s.Middleware...),
		attrIndex:      make(map[string]Attribute, len(s.Attributes)),
		commands:       make(map[string]*CommandDef, len(s.Commands)),
		events:         make(map[string]*EventDef, len(s.Events)),
		eventByCommand: make(map[string]*EventDef, len(s.Commands)),
	}
	if d.resource == "" {
		d.resource = s.Type
	}
	if d.repo == "" {
		d.repo = d.resource
	}

	for _, a := range s.Attributes {
		if a.Name == "" {
			return nil, fmt.Errorf("descriptor %s: attribute without name", s.Type)
		}
		if !a.Type.Valid() {
			return nil, fmt.Errorf("descriptor %s: attribute %s has unknown type %q", s.Type, a.Name, a.Type)
		}
		if _, dup := d.attrIndex[a.Name]; dup {
			return nil, fmt.Errorf("descriptor %s: duplicate attribute %s", s.Type, a.Name)
		}
		d.attrIndex[a.Name] = a
	}
	if _, ok := d.attrIndex[s.IdentityField]; !ok {
		return nil, fmt.Errorf("descriptor %s: identity field %s is not a declared attribute", s.Type, s.IdentityField)
	}

	for i := range s.Events {
		ev := s.Events[i]
		if ev.Name == "" {
			return nil, fmt.Errorf("descriptor %s: event without name", s.Type)
		}
		if _, dup := d.events[ev.Name]; dup {
			return nil, fmt.Errorf("descriptor %s: duplicate event %s", s.Type, ev.Name)
		}
		for _, f := range ev.Fields {
			if _, ok := d.attrIndex[f]; !ok {
				return nil, fmt.Errorf("descriptor %s: event %s field %s is not a declared attribute", s.Type, ev.Name, f)
			}
		}
		ev.Fields = append([]string(nil), ev.Fields...)
		d.events[ev.Name] = &ev
	}

	for i := range s.Commands {
		cmd := s.Commands[i]
		if cmd.Name == "" {
			return nil, fmt.Errorf("descriptor %s: command without name", s.Type)
		}
		if _, dup := d.commands[cmd.Name]; dup {
			return nil, fmt.Errorf("descriptor %s: duplicate command %s", s.Type, cmd.Name)
		}
		if !cmd.ActionType.Valid() {
			return nil, fmt.Errorf("descriptor %s: command %s has unknown action type %q", s.Type, cmd.Name, cmd.ActionType)
		}
		if cmd.IdentityField == "" {
			cmd.IdentityField = s.IdentityField
		}
		cmd.Fields = append([]string(nil), cmd.Fields...)
		d.commands[cmd.Name] = &cmd
		d.commandOrder = append(d.commandOrder, cmd.Name)

		ev, err := d.linkEvent(&cmd)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			d.eventByCommand[cmd.Name] = ev
		}
	}

	return d, nil
}

// linkEvent resolves the single event a command produces: an explicit
// CommandDef.Event, else the event declaring the command, else the event
// named by convention. Unlinked commands are allowed.
func (d *Descriptor) linkEvent(cmd *CommandDef) (*EventDef, error) {
	if cmd.Event != "" {
		ev, ok := d.events[cmd.Event]
		if !ok {
			return nil, fmt.Errorf("descriptor %s: command %s names unknown event %s", d.typ, cmd.Name, cmd.Event)
		}
		return ev, nil
	}

	var found *EventDef
	for _, ev := range d.events {
		if ev.Command != cmd.Name {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("descriptor %s: command %s is claimed by events %s and %s", d.typ, cmd.Name, found.Name, ev.Name)
		}
		found = ev
	}
	if found != nil {
		return found, nil
	}

	if name := ConventionalEventName(cmd.Name); name != "" {
		if ev, ok := d.events[name]; ok && ev.Command == "" {
			return ev, nil
		}
	}
	return nil, nil
}

// ConventionalEventName maps "verb_noun" command names to "noun_verbed"
// event names, e.g. register_customer → customer_registered. Names without
// an underscore have no conventional event.
func ConventionalEventName(command string) string {
	verb, noun, ok := strings.Cut(command, "_")
	if !ok || verb == "" || noun == "" {
		return ""
	}
	return noun + "_" + pastTense(verb)
}

func pastTense(verb string) string {
	switch {
	case strings.HasSuffix(verb, "e"):
		return verb + "d"
	case strings.HasSuffix(verb, "y") && len(verb) > 1 && !strings.ContainsRune("aeiou", rune(verb[len(verb)-2])):
		return verb[:len(verb)-1] + "ied"
	default:
		return verb + "ed"
	}
}

// Type returns the aggregate type name.
func (d *Descriptor) Type() string { return d.typ }

// Resource returns the resource reference passed to the action invoker.
func (d *Descriptor) Resource() string { return d.resource }

// Repo returns the repository reference passed to the transaction provider.
func (d *Descriptor) Repo() string { return d.repo }

// IdentityField returns the aggregate identity attribute.
func (d *Descriptor) IdentityField() string { return d.identityField }

// Attributes returns the declared attributes in order.
func (d *Descriptor) Attributes() []Attribute {
	return append([]Attribute(nil), d.attributes...)
}

// Attribute looks up a declared attribute.
func (d *Descriptor) Attribute(name string) (Attribute, bool) {
	a, ok := d.attrIndex[name]
	return a, ok
}

// Middleware returns the resource-level middleware list.
func (d *Descriptor) Middleware() []MiddlewareSpec {
	return append([]MiddlewareSpec(nil), d.middleware...)
}

// Command looks up a command definition.
func (d *Descriptor) Command(name string) (*CommandDef, bool) {
	c, ok := d.commands[name]
	return c, ok
}

// CommandNames returns command names in declaration order.
func (d *Descriptor) CommandNames() []string {
	return append([]string(nil), d.commandOrder...)
}

// Event looks up an event definition.
func (d *Descriptor) Event(name string) (*EventDef, bool) {
	e, ok := d.events[name]
	return e, ok
}

// EventFor returns the event a command produces, if it is linked to one.
func (d *Descriptor) EventFor(command string) (*EventDef, bool) {
	e, ok := d.eventByCommand[command]
	return e, ok
}

// NewState returns the initial state: every attribute nil, version 0.
func (d *Descriptor) NewState() State {
	attrs := NewParams()
	for _, a := range d.attributes {
		attrs.Set(a.Name, nil)
	}
	return State{Attributes: attrs}
}
