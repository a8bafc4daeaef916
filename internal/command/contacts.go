package command

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"meshchat/internal/message"
	"meshchat/internal/registry"
)

func (r *Router) cmdContacts(_ context.Context, _ input) error {
	list := r.reg.Contacts.List()
	if len(list) == 0 {
		r.out.Info("No contacts saved")
		return nil
	}
	rows := make([][]string, 0, len(list))
	for _, c := range list {
		display := r.reg.Peers.DisplayName(c.Address)
		if display == "" {
			display = "<unknown>"
		}
		name := c.Name
		if r.blacklist.Contains(c.Address) {
			name += " (blocked)"
		}
		rows = append(rows, []string{strconv.Itoa(c.Index), clip(name, 20), clip(display, 30), c.Address})
	}
	r.out.Header("CONTACTS")
	r.out.Table([]string{"#", "Name", "Display Name", "Address"}, rows)
	r.out.Dim("Send: 's <#> <msg>'")
	return nil
}

func (r *Router) cmdAdd(_ context.Context, in input) error {
	if len(in.args) < 2 {
		return errUsage
	}
	c, err := r.reg.Contacts.Add(in.args[0], in.args[1])
	if err != nil {
		r.contactError(err, in.args[0], in.args[1])
		return nil
	}
	r.out.Success("Added contact: %s [#%d]", c.Name, c.Index)
	return nil
}

func (r *Router) cmdEdit(_ context.Context, in input) error {
	if len(in.args) < 3 {
		return errUsage
	}
	addr, err := r.resolve(in.args[0], registry.ContactOrder)
	if err != nil {
		return err
	}
	switch strings.ToLower(in.args[1]) {
	case "name":
		name := in.rest(2)
		c, err := r.reg.Contacts.Rename(addr, name)
		if err != nil {
			r.contactError(err, name, addr)
			return nil
		}
		r.out.Success("Renamed to %s [#%d]", c.Name, c.Index)
	case "address":
		c, err := r.reg.Contacts.Readdress(addr, in.args[2])
		if err != nil {
			r.contactError(err, "", in.args[2])
			return nil
		}
		r.out.Success("Address of %s changed, now contact #%d", c.Name, c.Index)
		r.out.Dim("The old number is retired and will not be reused")
	default:
		return errUsage
	}
	return nil
}

func (r *Router) cmdRemove(_ context.Context, in input) error {
	if len(in.args) == 0 {
		return errUsage
	}
	c, err := r.reg.Contacts.Remove(in.raw)
	if err != nil {
		if errors.Is(err, registry.ErrReferenceNotFound) {
			r.out.Error("Not found: %s", in.raw)
			return nil
		}
		return err
	}
	r.out.Success("Removed: %s", c.Name)
	return nil
}

func (r *Router) cmdSaveContact(_ context.Context, in input) error {
	if len(in.args) == 0 {
		target, ok := r.p.ReplyTarget()
		if !ok {
			r.out.Info("Usage: savecontact [address] [name]")
			r.out.Dim("Or receive a message first, then just type 'save'")
			return nil
		}
		r.saveContact(target, "")
		return nil
	}
	addr, err := r.resolve(in.args[0], registry.SendOrder)
	if err != nil {
		return err
	}
	r.saveContact(addr, in.rest(1))
	return nil
}

func (r *Router) cmdAddPeer(_ context.Context, in input) error {
	if len(in.args) == 0 {
		r.out.Info("Usage: addpeer <peer #> [name]")
		r.out.Dim("Use 'peers' to see the list first")
		return nil
	}
	addr, err := r.resolve(in.args[0], registry.PeerOrder)
	if err != nil {
		return err
	}
	r.saveContact(addr, in.rest(1))
	return nil
}

// saveContact names the contact after the peer's announced name when none
// is given, falling back to a name derived from the address.
func (r *Router) saveContact(addr, name string) {
	if c, ok := r.reg.Contacts.ByAddress(addr); ok {
		r.out.Warn("Already saved as %s [#%d]", c.Name, c.Index)
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = r.reg.Peers.DisplayName(addr)
		if _, taken := r.reg.Contacts.ByName(name); name == "" || taken {
			name = "peer-" + message.Short(addr)
		}
	}
	c, err := r.reg.Contacts.Add(name, addr)
	if err != nil {
		r.contactError(err, name, addr)
		return
	}
	r.out.Success("Saved %s as contact #%d", c.Name, c.Index)
}

func (r *Router) contactError(err error, name, addr string) {
	switch {
	case errors.Is(err, registry.ErrDuplicateName):
		r.out.Error("Name already in use: %s", name)
	case errors.Is(err, registry.ErrDuplicateAddress):
		if c, ok := r.reg.Contacts.ByAddress(message.NormalizeAddress(addr)); ok {
			r.out.Error("Address already saved as %s [#%d]", c.Name, c.Index)
			return
		}
		r.out.Error("Address already saved")
	case errors.Is(err, message.ErrInvalidAddress):
		r.out.Error("Invalid address: %s (expected %d hex characters)", addr, message.AddressLen)
	case errors.Is(err, registry.ErrEmptyName):
		r.out.Error("Name cannot be empty")
	default:
		r.out.Error("%v", err)
	}
}

func (r *Router) cmdPeers(_ context.Context, _ input) error {
	list := r.reg.Peers.List()
	if len(list) == 0 {
		r.out.Info("No peers announced yet")
		return nil
	}
	now := r.now()
	rows := make([][]string, 0, len(list))
	for _, p := range list {
		idx := strconv.Itoa(p.Index)
		if _, ok := r.reg.Contacts.ByAddress(p.Address); ok {
			idx = "★" + idx
		}
		display := p.DisplayName
		if display == "" {
			display = "<unknown>"
		}
		rows = append(rows, []string{idx, clip(display, 35), p.Address, ago(now.Sub(p.LastSeen))})
	}
	r.out.Header("ANNOUNCED PEERS")
	r.out.Table([]string{"#", "Display Name", "Address", "Last Seen"}, rows)
	r.out.Dim("sp <#> <msg> | ap <#> [name]")
	return nil
}

func (r *Router) cmdBlacklist(_ context.Context, in input) error {
	sub := "list"
	if len(in.args) > 0 {
		sub = strings.ToLower(in.args[0])
	}
	switch {
	case sub == "list":
		r.showBlacklist()
		return nil
	case sub == "add" && len(in.args) >= 2:
		return r.block(in.rest(1), "Blacklisted")
	case sub == "remove" && len(in.args) >= 2:
		return r.unblock(in.rest(1))
	case sub == "clear":
		n, err := r.blacklist.Clear()
		if err != nil {
			r.out.Warn("Blacklist cleared but not saved: %v", err)
		}
		r.out.Success("Cleared %d entries from blacklist", n)
		return nil
	}
	return errUsage
}

func (r *Router) cmdBlock(_ context.Context, in input) error {
	if len(in.args) == 0 {
		return errUsage
	}
	return r.block(in.raw, "Blocked")
}

func (r *Router) cmdUnblock(_ context.Context, in input) error {
	if len(in.args) == 0 {
		return errUsage
	}
	return r.unblock(in.raw)
}

func (r *Router) block(ref, verb string) error {
	addr, err := r.resolve(ref, registry.AnyOrder)
	if err != nil {
		return err
	}
	added, err := r.blacklist.Add(addr)
	if !added {
		r.out.Warn("Already blocked: %s", r.label(addr))
		return nil
	}
	if err != nil {
		r.out.Warn("Blocked but not saved: %v", err)
	}
	r.out.Success("%s: %s", verb, r.label(addr))
	return nil
}

func (r *Router) unblock(ref string) error {
	addr, err := r.resolve(ref, registry.AnyOrder)
	if err != nil {
		return err
	}
	removed, err := r.blacklist.Remove(addr)
	if !removed {
		r.out.Warn("Not blocked: %s", r.label(addr))
		return nil
	}
	if err != nil {
		r.out.Warn("Unblocked but not saved: %v", err)
	}
	r.out.Success("Unblocked: %s", r.label(addr))
	return nil
}

func (r *Router) showBlacklist() {
	list := r.blacklist.List()
	if len(list) == 0 {
		r.out.Info("Blacklist is empty")
		return
	}
	rows := make([][]string, 0, len(list))
	for _, addr := range list {
		rows = append(rows, []string{r.reg.Label(addr), addr})
	}
	r.out.Header("BLACKLIST (" + strconv.Itoa(len(list)) + ")")
	r.out.Table([]string{"Name", "Address"}, rows)
	r.out.Dim("Unblock: 'unblock <#/name/address>'")
}
