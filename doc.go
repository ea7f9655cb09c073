// Package xflash drives SPI NOR flash parts and exposes them to a host
// through the protocol and server packages.
//
// A Flash owns the chip select line of one part and borrows a Bus per
// operation. Power domains and peripheral clocks are taken from a
// power.Manager at construction and handed back on Close.
//
// # References:
//
// FTDI (https://ftdichip.com/document/application-notes/)
//   - [FTDI-AN_108]: Command Processor for MPSSE and MCU Host Bus Emulation Modes (https://ftdichip.com/wp-content/uploads/2020/08/AN_108_Command_Processor_for_MPSSE_and_MCU_Host_Bus_Emulation_Modes.pdf)
//   - [FTDI-AN_114]: Interfacing FT2232H Hi-Speed Devices To SPI Bus (https://ftdichip.com/wp-content/uploads/2020/08/AN_114_FTDI_Hi_Speed_USB_To_SPI_Example.pdf)
//   - [FTDI-AN_135]: FTDI MPSSE Basics (https://ftdichip.com/wp-content/uploads/2020/08/AN_135_MPSSE_Basics.pdf)
//
// FPGA
//   - [Lattice-EB82]: iCEstick User Manual (https://www.latticesemi.com/view_document?document_id=50701)
//   - [iCEBreaker]: iCEBreaker FPGA (https://github.com/icebreaker-fpga/icebreaker/blob/master/hardware/v1.0e/icebreaker-sch.pdf)
//
// SPI Flash
//   - [MX25R1635F]: Macronix MX25R1635F Ultra Low Power Serial NOR Flash datasheet
//   - [W25X40CL]: Winbond W25X40CL Serial Flash Memory datasheet
//   - [W25Q128]: W25Q128JV-DTR Winbond Serial Flash Memory (https://www.winbond.com/resource-files/W25Q128JV_DTR%20RevD%2012232024%20Plus.pdf)
package xflash
