package ethereum

// contractABI is the subset of the platform contract used by the service: a fungible token (Transfer) that also
// issues items (ItemTransfer) in batches.
const contractABI = `[
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"value","type":"uint256","indexed":false}]},
	{"type":"event","name":"ItemTransfer","anonymous":false,"inputs":[
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"itemId","type":"uint256","indexed":true},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"note","type":"string","indexed":false}]},
	{"type":"function","name":"mint","stateMutability":"nonpayable","inputs":[
		{"name":"to","type":"address"},
		{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[
		{"name":"to","type":"address"},
		{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"burn","stateMutability":"nonpayable","inputs":[
		{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"mintBatch","stateMutability":"nonpayable","inputs":[
		{"name":"recipients","type":"address[]"},
		{"name":"notes","type":"string[]"},
		{"name":"amount","type":"uint256"}],"outputs":[]}
]`

