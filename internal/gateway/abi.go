package gateway

// registryV2ABI is the current TimeCapsule layout: public title/description, bytes content,
// explicit reveal.
const registryV2ABI = `[
  {"type":"function","name":"createCapsule","stateMutability":"nonpayable",
   "inputs":[{"name":"title","type":"string"},{"name":"description","type":"string"},{"name":"content","type":"bytes"},{"name":"unlockTime","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"revealCapsule","stateMutability":"nonpayable",
   "inputs":[{"name":"capsuleId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"getCapsule","stateMutability":"view",
   "inputs":[{"name":"capsuleId","type":"uint256"}],
   "outputs":[{"name":"creator","type":"address"},{"name":"unlockTime","type":"uint256"},{"name":"isRevealed","type":"bool"},{"name":"title","type":"string"},{"name":"description","type":"string"}]},
  {"type":"function","name":"getEncryptedContent","stateMutability":"view",
   "inputs":[{"name":"capsuleId","type":"uint256"}],"outputs":[{"name":"","type":"bytes"}]},
  {"type":"function","name":"capsuleCount","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"CapsuleCreated","anonymous":false,
   "inputs":[{"name":"capsuleId","type":"uint256","indexed":true},{"name":"creator","type":"address","indexed":true},{"name":"unlockTime","type":"uint256","indexed":false}]},
  {"type":"event","name":"CapsuleRevealed","anonymous":false,
   "inputs":[{"name":"capsuleId","type":"uint256","indexed":true}]}
]`

// registryV1ABI is the earlier FHE layout: two encrypted handles per capsule and an exists flag.
const registryV1ABI = `[
  {"type":"function","name":"getCapsule","stateMutability":"view",
   "inputs":[{"name":"capsuleId","type":"uint256"}],
   "outputs":[{"name":"encryptedMessagePart1","type":"bytes32"},{"name":"encryptedMessagePart2","type":"bytes32"},{"name":"unlockTimestamp","type":"uint256"},{"name":"creator","type":"address"},{"name":"exists","type":"bool"}]},
  {"type":"function","name":"getTotalCapsules","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"canUnlock","stateMutability":"view",
   "inputs":[{"name":"capsuleId","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getUserCapsules","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256[]"}]}
]`
