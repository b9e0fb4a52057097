package node

import (
	"strings"

	"github.com/mosaicnetworks/prism/src/net"
	"github.com/sirupsen/logrus"
)

// User-facing notices.
const (
	msgNameRequired   = "Please Set Your Name First"
	msgNameInvalid    = "Enter a valid name"
	msgNameAlreadySet = "Setting Name Again Not Allowed"
)

// processCommand handles one line of user input and reports whether the node
// should exit.
func (n *Node) processCommand(line string) bool {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return false
	}

	if strings.HasPrefix(line, "/") {
		cmd, arg, _ := strings.Cut(line[1:], " ")
		switch cmd {
		case "name":
			n.setName(strings.TrimSpace(arg))
		case "exit":
			return true
		default:
			n.logger.WithField("command", cmd).Debug("Unknown command")
		}
		return false
	}

	if n.name == "" {
		n.println(msgNameRequired)
		return false
	}

	frame, err := net.Encode(net.NewRegular([]byte(n.name + "> " + line)))
	if err != nil {
		n.logger.WithError(err).Error("Encoding message")
		return false
	}
	n.broadcast(frame, net.Regular, "", false)

	return false
}

// setName sets the display name, once, and announces it to the parent and
// the confirmed children.
func (n *Node) setName(name string) {
	if n.name != "" {
		n.println(msgNameAlreadySet)
		n.logger.WithFields(logrus.Fields{
			"name":      n.name,
			"requested": name,
		}).Warn("Name already set")
		return
	}

	if name == "" {
		n.println(msgNameInvalid)
		return
	}

	n.name = name
	n.println("Welcome " + name + "!")
	n.logger.WithField("name", name).Info("Name set")

	frame, err := net.Encode(net.NewName(name))
	if err != nil {
		n.logger.WithError(err).Error("Encoding Name")
		return
	}
	n.broadcast(frame, net.Name, "", true)
}
