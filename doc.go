// # Go Client Package for Mesh Video Meetings
//
// This repository provides a Go package for joining a meeting in which every participant holds a direct WebRTC connection to every other participant. A relay server only forwards signaling messages (offers, answers, ICE candidates, join/leave notifications) over a WebSocket; media flows peer to peer.
//
// SessionController ties the pieces together: SignalingChannel carries messages to and from the relay, PeerConnectionManager owns one pion PeerConnection per remote participant and derives the aggregate call state, Roster tracks who is in the meeting, and MeetingAPI talks to the meeting REST endpoints.
package meshcall
