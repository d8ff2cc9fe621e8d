// Package ws is the server side of the session hub wire protocol, used by
// the development agent backend.
//
// The package implements:
//   - Client: one websocket connection and its identity (channel, agent,
//     workflow type, participant, tenant) taken from the connect query
//   - Group and GroupManager: clients subscribed to an agent for one
//     participant; agent replies are broadcast to the group
//   - Handler: upgrades connections, runs the read and write pumps and
//     dispatches invocation frames to registered methods
//   - Service: SubscribeToAgent, GetThreadHistory and SendInboundMessage on
//     top of the sqlite thread repository, with a pluggable Responder
//
// Push events sent to clients: ReceiveMessage (agent replies and
// AGENT_STATUS envelopes), InboundProcessed (thread id of an accepted
// inbound message) and ThreadHistory (latest page replayed on subscribe).
// Inbound messages are never echoed back as ReceiveMessage.
package ws
