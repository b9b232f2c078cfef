//go:build linux

package markers

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	secretsBusName      = "org.freedesktop.secrets"
	secretsPath         = dbus.ObjectPath("/org/freedesktop/secrets")
	secretsDefaultAlias = dbus.ObjectPath("/org/freedesktop/secrets/aliases/default")

	secretsServiceIface    = "org.freedesktop.Secret.Service"
	secretsCollectionIface = "org.freedesktop.Secret.Collection"
	secretsItemIface       = "org.freedesktop.Secret.Item"

	// noPrompt is returned in place of a prompt path when the call completed
	// without user interaction.
	noPrompt = dbus.ObjectPath("/")
)

// secret mirrors the Secret Service (oayays) struct.
type secret struct {
	Session     dbus.ObjectPath
	Parameters  []byte
	Value       []byte
	ContentType string
}

// secretServiceHive stores markers as Secret Service items on the session
// bus. A path `<root>\<namespace>` maps to the attributes service=<root>,
// namespace=<namespace>; the marker key is the key attribute.
type secretServiceHive struct {
	conn    *dbus.Conn
	session dbus.ObjectPath
}

// PlatformHive connects to the Secret Service of the user's session bus. A
// missing bus, a missing service or a locked default collection all report
// ErrHiveUnavailable.
func PlatformHive() (Hive, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("%w: session bus: %v", ErrHiveUnavailable, err)
	}

	var output dbus.Variant
	var session dbus.ObjectPath
	err = conn.Object(secretsBusName, secretsPath).
		Call(secretsServiceIface+".OpenSession", 0, "plain", dbus.MakeVariant("")).
		Store(&output, &session)
	if err != nil {
		return nil, fmt.Errorf("%w: secret service: %v", ErrHiveUnavailable, err)
	}
	return &secretServiceHive{conn: conn, session: session}, nil
}

func splitHivePath(path string) (service, namespace string) {
	i := strings.LastIndex(path, `\`)
	if i < 0 {
		return path, ""
	}
	return path[:i], path[i+1:]
}

func (h *secretServiceHive) search(attrs map[string]string) ([]dbus.ObjectPath, error) {
	var unlocked, locked []dbus.ObjectPath
	err := h.conn.Object(secretsBusName, secretsPath).
		Call(secretsServiceIface+".SearchItems", 0, attrs).
		Store(&unlocked, &locked)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", ErrHiveUnavailable, err)
	}
	if len(locked) > 0 {
		return nil, fmt.Errorf("%w: %d matching items are locked", ErrHiveUnavailable, len(locked))
	}
	return unlocked, nil
}

func (h *secretServiceHive) SetString(path, name, value string) error {
	service, namespace := splitHivePath(path)
	attrs := map[string]string{"service": service, "namespace": namespace, "key": name}
	props := map[string]dbus.Variant{
		secretsItemIface + ".Label":      dbus.MakeVariant("licguard marker " + namespace + "/" + name),
		secretsItemIface + ".Attributes": dbus.MakeVariant(attrs),
	}
	s := secret{
		Session:     h.session,
		Value:       []byte(value),
		ContentType: "text/plain; charset=utf8",
	}

	var item, prompt dbus.ObjectPath
	err := h.conn.Object(secretsBusName, secretsDefaultAlias).
		Call(secretsCollectionIface+".CreateItem", 0, props, s, true).
		Store(&item, &prompt)
	if err != nil {
		return fmt.Errorf("%w: create item: %v", ErrHiveUnavailable, err)
	}
	if prompt != noPrompt {
		return fmt.Errorf("%w: collection requires an unlock prompt", ErrHiveUnavailable)
	}
	return nil
}

func (h *secretServiceHive) GetString(path, name string) (string, error) {
	service, namespace := splitHivePath(path)
	items, err := h.search(map[string]string{"service": service, "namespace": namespace, "key": name})
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "", ErrNotFound
	}

	var s secret
	err = h.conn.Object(secretsBusName, items[0]).
		Call(secretsItemIface+".GetSecret", 0, h.session).
		Store(&s)
	if err != nil {
		return "", fmt.Errorf("%w: get secret: %v", ErrHiveUnavailable, err)
	}
	return string(s.Value), nil
}

func (h *secretServiceHive) DeleteTree(path string) error {
	service, namespace := splitHivePath(path)
	items, err := h.search(map[string]string{"service": service, "namespace": namespace})
	if err != nil {
		return err
	}
	for _, item := range items {
		var prompt dbus.ObjectPath
		err := h.conn.Object(secretsBusName, item).
			Call(secretsItemIface+".Delete", 0).
			Store(&prompt)
		if err != nil {
			return fmt.Errorf("%w: delete item: %v", ErrHiveUnavailable, err)
		}
	}
	return nil
}
