package checks

const probeXattrName = "com.snapkeep.probe"
