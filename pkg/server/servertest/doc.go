// Package servertest provides recording fakes for exercising the session
// packet handler without a network connection or a journal.
//
// Channel, Connection and Context share an EventLog so a test can assert the
// exact order in which binding, completion, confirmation, response and
// channel close happen. Session records every command it receives and can
// be told to fail or panic per command.
package servertest
