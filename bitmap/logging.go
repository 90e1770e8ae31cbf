package bitmap

import "github.com/sirgallo/logger"


// cLog
//	Package-level structured logger for the three-level sparse bitmap.
var cLog = logger.NewCustomLog("QHATBitmap")
