package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

var (
	ErrNotFound  = errors.New("server not found")
	ErrDuplicate = errors.New("server already exists")
)

// Inventory is the servers.yaml file. Passwords and key passphrases are
// never written to it; they live in the vault only and load back empty.
// Hand-written files may still carry them for a one-time import.
type Inventory struct {
	path string
	mu   sync.Mutex
}

func NewInventory(path string) *Inventory {
	return &Inventory{path: path}
}

type inventoryDoc struct {
	Servers []serverDoc `yaml:"servers"`
}

type serverDoc struct {
	ID            string     `yaml:"id"`
	Name          string     `yaml:"name"`
	Host          string     `yaml:"host"`
	Port          int        `yaml:"port,omitempty"`
	Username      string     `yaml:"username"`
	Auth          authDoc    `yaml:"auth"`
	LocalPath     string     `yaml:"local_path,omitempty"`
	CreatedAt     time.Time  `yaml:"created_at"`
	ModifiedAt    time.Time  `yaml:"modified_at"`
	LastConnected *time.Time `yaml:"last_connected,omitempty"`
}

type authDoc struct {
	Type       string `yaml:"type"`
	Value      string `yaml:"value,omitempty"`
	Passphrase string `yaml:"passphrase,omitempty"`
}

func toDoc(s Server) serverDoc {
	d := serverDoc{
		ID:            s.ID.String(),
		Name:          s.Name,
		Host:          s.Host,
		Port:          s.Port,
		Username:      s.Username,
		LocalPath:     s.LocalPath,
		CreatedAt:     s.CreatedAt,
		ModifiedAt:    s.ModifiedAt,
		LastConnected: s.LastConnected,
	}
	switch a := s.Auth.(type) {
	case PasswordAuth:
		d.Auth = authDoc{Type: a.Kind()}
	case KeyAuth:
		d.Auth = authDoc{Type: a.Kind(), Value: a.KeyName}
	}
	return d
}

func fromDoc(d serverDoc) (Server, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return Server{}, fmt.Errorf("server %q: invalid id: %w", d.Name, err)
	}
	s := Server{
		ID:            id,
		Name:          d.Name,
		Host:          d.Host,
		Port:          d.Port,
		Username:      d.Username,
		LocalPath:     d.LocalPath,
		CreatedAt:     d.CreatedAt,
		ModifiedAt:    d.ModifiedAt,
		LastConnected: d.LastConnected,
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	switch d.Auth.Type {
	case "password":
		s.Auth = PasswordAuth{Password: d.Auth.Value}
	case "key", "publicKey":
		s.Auth = KeyAuth{KeyName: d.Auth.Value, Passphrase: d.Auth.Passphrase}
	default:
		return Server{}, fmt.Errorf("server %q: unknown auth type %q", d.Name, d.Auth.Type)
	}
	return s, nil
}

func (inv *Inventory) load() ([]Server, error) {
	data, err := os.ReadFile(inv.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}

	var doc inventoryDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse inventory %s: %w", inv.path, err)
	}

	servers := make([]Server, 0, len(doc.Servers))
	for _, d := range doc.Servers {
		s, err := fromDoc(d)
		if err != nil {
			return nil, fmt.Errorf("parse inventory %s: %w", inv.path, err)
		}
		servers = append(servers, s)
	}
	return servers, nil
}

func (inv *Inventory) save(servers []Server) error {
	doc := inventoryDoc{Servers: make([]serverDoc, 0, len(servers))}
	for _, s := range servers {
		doc.Servers = append(doc.Servers, toDoc(s))
	}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encode inventory: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(inv.path), 0700); err != nil {
		return fmt.Errorf("create inventory directory: %w", err)
	}
	tmp := inv.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write inventory: %w", err)
	}
	if err := os.Rename(tmp, inv.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace inventory: %w", err)
	}
	return nil
}

// List returns all servers sorted by name.
func (inv *Inventory) List() ([]Server, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	servers, err := inv.load()
	if err != nil {
		return nil, err
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })
	return servers, nil
}

// Get finds a server by name or ID.
func (inv *Inventory) Get(ref string) (Server, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	servers, err := inv.load()
	if err != nil {
		return Server{}, err
	}
	i := find(servers, ref)
	if i < 0 {
		return Server{}, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	return servers[i], nil
}

// Add appends s. Names and IDs must be unique.
func (inv *Inventory) Add(s Server) error {
	if err := s.Validate(); err != nil {
		return err
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	servers, err := inv.load()
	if err != nil {
		return err
	}
	for _, existing := range servers {
		if existing.Name == s.Name || existing.ID == s.ID {
			return fmt.Errorf("%s: %w", s.Name, ErrDuplicate)
		}
	}
	return inv.save(append(servers, s))
}

// Remove deletes the server matching ref and returns it.
func (inv *Inventory) Remove(ref string) (Server, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	servers, err := inv.load()
	if err != nil {
		return Server{}, err
	}
	i := find(servers, ref)
	if i < 0 {
		return Server{}, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	removed := servers[i]
	servers = append(servers[:i], servers[i+1:]...)
	return removed, inv.save(servers)
}

// MarkConnected records a successful connection time.
func (inv *Inventory) MarkConnected(id uuid.UUID, at time.Time) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	servers, err := inv.load()
	if err != nil {
		return err
	}
	i := find(servers, id.String())
	if i < 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	at = at.UTC()
	servers[i].LastConnected = &at
	return inv.save(servers)
}

func find(servers []Server, ref string) int {
	for i, s := range servers {
		if s.Name == ref || s.ID.String() == ref {
			return i
		}
	}
	return -1
}
