package store

import (
	"fmt"
	"strconv"
	"strings"
)

const defaultDevicePort = 21

// AddSource inserts the named entry, replacing any existing entry of that name
func (s *Store) AddSource(name string, src Source) error {
	name = strings.TrimSpace(name)
	if name == "" || strings.TrimSpace(src.URL) == "" {
		return fmt.Errorf("source name and url are required")
	}

	return s.MutateSources(func(doc *Sources) error {
		entry := src
		entry.Highlight = entry.Pending
		doc.Entries[name] = &entry
		return nil
	})
}

// EditSource applies fn to the named entry and optionally renames it.
// An empty newName keeps the current name.
func (s *Store) EditSource(name, newName string, fn func(*Source)) error {
	newName = strings.TrimSpace(newName)

	return s.MutateSources(func(doc *Sources) error {
		src, ok := doc.Entries[name]
		if !ok {
			return fmt.Errorf("source %q: %w", name, ErrNotFound)
		}

		if newName != "" && newName != name {
			if _, taken := doc.Entries[newName]; taken {
				return fmt.Errorf("source %q: %w", newName, ErrExists)
			}
			delete(doc.Entries, name)
			doc.Entries[newName] = src
		}

		if fn != nil {
			fn(src)
		}
		if strings.TrimSpace(src.URL) == "" {
			return fmt.Errorf("source url must not be empty")
		}
		src.Highlight = src.Pending
		return nil
	})
}

// DeleteSource removes the named entry
func (s *Store) DeleteSource(name string) error {
	return s.MutateSources(func(doc *Sources) error {
		if _, ok := doc.Entries[name]; !ok {
			return fmt.Errorf("source %q: %w", name, ErrNotFound)
		}
		delete(doc.Entries, name)
		return nil
	})
}

// AppendTask adds command at the end of the task list and returns its position
func (s *Store) AppendTask(command string) (int, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return 0, fmt.Errorf("task command must not be empty")
	}

	var index int
	err := s.MutateTasks(func(doc *Tasks) error {
		ordered := doc.Ordered()
		commands := make([]string, 0, len(ordered)+1)
		for _, t := range ordered {
			commands = append(commands, t.Command)
		}
		commands = append(commands, command)
		*doc = renumber(commands)
		index = len(commands)
		return nil
	})
	return index, err
}

// DeleteTask removes the task at the 1-based position and closes the gap
func (s *Store) DeleteTask(index int) error {
	return s.MutateTasks(func(doc *Tasks) error {
		ordered := doc.Ordered()
		if index < 1 || index > len(ordered) {
			return fmt.Errorf("task %d: %w", index, ErrNotFound)
		}

		commands := make([]string, 0, len(ordered)-1)
		for i, t := range ordered {
			if i == index-1 {
				continue
			}
			commands = append(commands, t.Command)
		}
		*doc = renumber(commands)
		return nil
	})
}

// renumber assigns contiguous positions starting at 1
func renumber(commands []string) Tasks {
	tasks := make(Tasks, len(commands))
	for i, c := range commands {
		tasks[strconv.Itoa(i+1)] = c
	}
	return tasks
}

// Device returns the named device
func (s *Store) Device(name string) (*Device, error) {
	devices, err := s.Devices()
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].Name == name {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("device %q: %w", name, ErrNotFound)
}

// AddDevice appends a new device record
func (s *Store) AddDevice(d Device) error {
	if err := prepareDevice(&d); err != nil {
		return err
	}

	return s.MutateDevices(func(doc *[]Device) error {
		for _, existing := range *doc {
			if existing.Name == d.Name {
				return fmt.Errorf("device %q: %w", d.Name, ErrExists)
			}
		}
		*doc = append(*doc, d)
		return nil
	})
}

// EditDevice replaces the record stored under name
func (s *Store) EditDevice(name string, d Device) error {
	if err := prepareDevice(&d); err != nil {
		return err
	}

	return s.MutateDevices(func(doc *[]Device) error {
		idx := -1
		for i, existing := range *doc {
			if existing.Name == name {
				idx = i
			} else if existing.Name == d.Name {
				return fmt.Errorf("device %q: %w", d.Name, ErrExists)
			}
		}
		if idx < 0 {
			return fmt.Errorf("device %q: %w", name, ErrNotFound)
		}
		(*doc)[idx] = d
		return nil
	})
}

// DeleteDevice removes the named device
func (s *Store) DeleteDevice(name string) error {
	return s.MutateDevices(func(doc *[]Device) error {
		kept := make([]Device, 0, len(*doc))
		for _, d := range *doc {
			if d.Name != name {
				kept = append(kept, d)
			}
		}
		if len(kept) == len(*doc) {
			return fmt.Errorf("device %q: %w", name, ErrNotFound)
		}
		*doc = kept
		return nil
	})
}

func prepareDevice(d *Device) error {
	d.Name = strings.TrimSpace(d.Name)
	d.Address = strings.TrimSpace(d.Address)
	if d.Name == "" {
		return fmt.Errorf("device name is required")
	}
	if d.Address == "" {
		return fmt.Errorf("device address is required")
	}
	if d.Port == 0 {
		d.Port = defaultDevicePort
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("device port out of range: %d", d.Port)
	}
	return nil
}
