package engine

// protocolVersion is the versioning-string exchanged in the handshake body
// (§4.6); the server requires an exact match and drops anything else.
const protocolVersion = "1"
