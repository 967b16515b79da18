package radius

import "log"

// Warrant is one IP intercept: a LIID attached to a subscriber username.
// The RADIUS engine reports session events for every subscriber it sees;
// only events for warranted users become IRI records.
type Warrant struct {
	LIID       string
	Username   string
	DestID     uint32
	InternalID uint64
}

// WarrantTable maps subscriber usernames to IP intercepts. Owned by the IP
// sync goroutine.
type WarrantTable struct {
	byUser map[string]*Warrant
}

func NewWarrantTable() *WarrantTable {
	return &WarrantTable{byUser: make(map[string]*Warrant)}
}

// Add installs or refreshes a warrant for a username.
func (w *WarrantTable) Add(warrant *Warrant) {
	if _, ok := w.byUser[warrant.Username]; !ok {
		log.Printf("received IP intercept %s for user %s from provisioner",
			warrant.LIID, warrant.Username)
	}
	w.byUser[warrant.Username] = warrant
}

// Remove withdraws the warrant with the given LIID.
func (w *WarrantTable) Remove(liid string) {
	for user, warrant := range w.byUser {
		if warrant.LIID == liid {
			delete(w.byUser, user)
			log.Printf("sync thread withdrawing IP intercept %s", liid)
			return
		}
	}
}

// Find returns the warrant covering a username, or nil.
func (w *WarrantTable) Find(username string) *Warrant {
	return w.byUser[username]
}
