package ipc

import (
	"fmt"

	"github.com/banshee-data/bloom.scanner/internal/db"
	"github.com/banshee-data/bloom.scanner/internal/hwerr"
)

func (s *Session) profileActions() map[string]handler {
	return map[string]handler{
		"list":   s.profileList,
		"get":    s.profileGet,
		"save":   s.profileSave,
		"delete": s.profileDelete,
	}
}

func (s *Session) profileStore() (*db.DB, error) {
	if s.store == nil {
		return nil, fmt.Errorf("%w: profile store not configured", hwerr.ErrHardwareUnavailable)
	}
	return s.store, nil
}

func (s *Session) profileList(Command) (Response, error) {
	store, err := s.profileStore()
	if err != nil {
		return nil, err
	}
	profiles, err := store.ListProfiles()
	if err != nil {
		return nil, err
	}
	return Response{"success": true, "profiles": profiles}, nil
}

func (s *Session) profileGet(cmd Command) (Response, error) {
	store, err := s.profileStore()
	if err != nil {
		return nil, err
	}
	if cmd.Name == "" {
		return nil, hwerr.InvalidArgument("name parameter required for get action")
	}
	p, err := store.GetProfile(cmd.Name)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, hwerr.InvalidArgument("profile %q not found", cmd.Name)
	}
	return Response{"success": true, "profile": p}, nil
}

func (s *Session) profileSave(cmd Command) (Response, error) {
	store, err := s.profileStore()
	if err != nil {
		return nil, err
	}
	settings, err := overlay(s.cfg.Scanner, cmd.Settings)
	if err != nil {
		return nil, err
	}
	p, err := store.SaveProfile(cmd.Name, cmd.Description, settings)
	if err != nil {
		return nil, err
	}
	s.out.Statusf("Profile %q saved", p.Name)
	return Response{"success": true, "profile": p}, nil
}

func (s *Session) profileDelete(cmd Command) (Response, error) {
	store, err := s.profileStore()
	if err != nil {
		return nil, err
	}
	if cmd.Name == "" {
		return nil, hwerr.InvalidArgument("name parameter required for delete action")
	}
	deleted, err := store.DeleteProfile(cmd.Name)
	if err != nil {
		return nil, err
	}
	return Response{"success": true, "deleted": deleted}, nil
}
