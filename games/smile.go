package games

// Players join a room over live video, each sharing their webcam with everyone else
// One player at a time is "on stage"; the others try to make them laugh
// Whenever another player's camera catches them smiling, the performer on stage earns a point
// Each turn runs on a shared countdown; the performer can also pass early
// After every player has performed the chosen number of rounds, highest score wins

// Display formats:
// Video tiles for each connected player, with the performer's tile highlighted
// Scoreboard column with live per-player totals and a smile marker per reaction

// Implementation details:
// - One websocket per room; the server assigns each connection a session id
// - Smile detection runs client-side; the server just trusts the reported signal
// - Video is a WebRTC mesh between players, with handshakes relayed by the server
// - The room's goroutine is the single writer for all game state

// How to play
// - Open a room link (or scan its QR code), allow camera access, pick a name
// - Anyone can press start once at least one player has joined
// - Keep a straight face on stage; grin freely when someone else is up
