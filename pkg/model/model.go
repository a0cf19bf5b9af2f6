// Package model defines the identity and presence types shared by the relay
// server and its clients.
package model
